package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

func serveFeed(t *testing.T, feed *gtfs.FeedMessage) *httptest.Server {
	t.Helper()
	body, err := proto.Marshal(feed)
	if err != nil {
		t.Fatalf("marshal feed: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
}

func TestGTFSRTFetchMapsVehiclePositions(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("ent-1"),
				Vehicle: &gtfs.VehiclePosition{
					Trip:          &gtfs.TripDescriptor{RouteId: proto.String("RD"), DirectionId: proto.Uint32(0)},
					Vehicle:       &gtfs.VehicleDescriptor{Id: proto.String("train-1")},
					StopId:        proto.String("A01"),
					CurrentStatus: gtfs.VehiclePosition_STOPPED_AT.Enum(),
				},
			},
			{
				Id: proto.String("ent-2"),
				Vehicle: &gtfs.VehiclePosition{
					Trip:          &gtfs.TripDescriptor{RouteId: proto.String("GR")},
					StopId:        proto.String("B01"),
					CurrentStatus: gtfs.VehiclePosition_INCOMING_AT.Enum(),
				},
			},
			{
				// Unknown route: dropped.
				Id: proto.String("ent-3"),
				Vehicle: &gtfs.VehiclePosition{
					Trip:   &gtfs.TripDescriptor{RouteId: proto.String("XX")},
					StopId: proto.String("A01"),
				},
			},
			{
				// No vehicle payload: dropped.
				Id: proto.String("ent-4"),
			},
		},
	}
	srv := serveFeed(t, feed)
	defer srv.Close()

	c := NewGTFSRTClient(srv.URL, testStations(t))
	obs, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("got %d observations; want 2: %+v", len(obs), obs)
	}

	stopped := obs[0]
	if stopped.TrainID != "train-1" || stopped.CurrentStation != "A01" || stopped.Direction != "1" {
		t.Errorf("stopped obs = %+v", stopped)
	}
	if stopped.HasPosition {
		t.Error("stopped train should not carry a segment position")
	}

	incoming := obs[1]
	if incoming.TrainID != "ent-2" || incoming.NextStation != "B01" || incoming.CurrentStation != "" {
		t.Errorf("incoming obs = %+v", incoming)
	}
	if !incoming.HasPosition || incoming.Position != 0.8 {
		t.Errorf("incoming position = %v/%v; want 0.8/true", incoming.Position, incoming.HasPosition)
	}
}

func TestGTFSRTFetchParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}))
	defer srv.Close()

	c := NewGTFSRTClient(srv.URL, testStations(t))
	_, err := c.Fetch(context.Background())
	if kind := fetchKind(t, err); kind != FetchParse {
		t.Errorf("kind = %v; want parse", kind)
	}
}

func TestGTFSRTFetchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewGTFSRTClient(srv.URL, testStations(t))
	_, err := c.Fetch(context.Background())
	if kind := fetchKind(t, err); kind != FetchUpstream {
		t.Errorf("kind = %v; want upstream", kind)
	}
}
