package main

import (
	"log"
	"time"

	evdev "github.com/holoplot/go-evdev"
)

const BUTTON_DEBOUNCE_TIME = 500 * time.Millisecond

// monitorButton watches a physical power-style button and toggles the update
// loop on each press. The device is matched by its evdev name.
func monitorButton(deviceName string, loop *UpdateLoop) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		log.Printf("button: ListDevicePaths error: %v", err)
		return
	}

	var devPath string
	for _, ip := range paths {
		if ip.Name == deviceName {
			devPath = ip.Path
			break
		}
	}
	if devPath == "" {
		log.Printf("button: no input device named %q found", deviceName)
		return
	}

	button, err := evdev.Open(devPath)
	if err != nil {
		log.Printf("button: Open(%s) error: %v", devPath, err)
		return
	}
	defer button.Ungrab()

	if err := button.Grab(); err != nil {
		log.Printf("button: warning: failed to grab device: %v", err)
	}

	name, _ := button.Name()
	log.Printf("button: using input device %s (%s)", devPath, name)

	var lastPress time.Time
	for {
		ev, err := button.ReadOne()
		if err != nil {
			log.Printf("button: read error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if ev.Type != evdev.EV_KEY || ev.Code != evdev.KEY_POWER || ev.Value != 1 {
			continue
		}
		now := time.Now()
		if now.Sub(lastPress) < BUTTON_DEBOUNCE_TIME {
			continue
		}
		lastPress = now

		if loop.State() == StateRunning || loop.State() == StateBackoff {
			log.Println("button: stopping updates")
			loop.Stop()
		} else {
			log.Println("button: starting updates")
			loop.Start()
		}
	}
}
