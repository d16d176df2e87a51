package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

const gtfsrtTimeout = 15 * time.Second

// GTFSRTClient polls a GTFS-realtime vehicle positions feed. Stop IDs in the
// feed must match the station codes in the station map.
type GTFSRTClient struct {
	url    string
	client *http.Client
	lines  *StationMap
}

func NewGTFSRTClient(url string, stations *StationMap) *GTFSRTClient {
	return &GTFSRTClient{
		url:    url,
		client: &http.Client{Timeout: gtfsrtTimeout},
		lines:  stations,
	}
}

func (c *GTFSRTClient) Fetch(ctx context.Context) ([]TrainObservation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchNetwork, Message: "build request", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: FetchNetwork, Message: "request vehicle positions", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Kind: FetchUpstream, Message: fmt.Sprintf("feed returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Kind: FetchNetwork, Message: "read feed body", Err: err}
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, &FetchError{Kind: FetchParse, Message: "decode feed", Err: err}
	}

	obs := make([]TrainObservation, 0, len(feed.Entity))
	for _, entity := range feed.Entity {
		v := entity.GetVehicle()
		if v == nil || v.GetStopId() == "" {
			continue
		}
		line := v.GetTrip().GetRouteId()
		if !c.lines.KnownLine(line) {
			continue
		}
		o := TrainObservation{
			TrainID: v.GetVehicle().GetId(),
			Line:    line,
		}
		if o.TrainID == "" {
			o.TrainID = entity.GetId()
		}
		if v.Trip != nil && v.Trip.DirectionId != nil {
			o.Direction = fmt.Sprintf("%d", v.Trip.GetDirectionId()+1)
		}
		switch v.GetCurrentStatus() {
		case gtfs.VehiclePosition_STOPPED_AT:
			o.CurrentStation = v.GetStopId()
		case gtfs.VehiclePosition_INCOMING_AT:
			// Nearly there: glow the destination station partially.
			o.NextStation = v.GetStopId()
			o.Position = 0.8
			o.HasPosition = true
		default:
			// IN_TRANSIT_TO carries no usable fraction.
			o.NextStation = v.GetStopId()
		}
		obs = append(obs, o)
	}
	return obs, nil
}
