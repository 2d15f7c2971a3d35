package main

import (
	"context"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/rvm/pkg/statusapi"
)

const reconnectDelay = 2 * time.Second

// startBridge follows the kiosk event stream and forwards every event to the
// program. It reconnects until ctx is done. The returned function stops the
// bridge and waits for it.
func startBridge(ctx context.Context, p *tea.Program, client *statusapi.Client) context.CancelFunc {
	bridgeCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			err := client.Stream(bridgeCtx, func(event string, data []byte) {
				p.Send(streamEventMsg{event: event, data: data, at: time.Now()})
			})
			if bridgeCtx.Err() != nil {
				return
			}
			p.Send(streamDownMsg{err: err})

			select {
			case <-bridgeCtx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	})

	return func() {
		cancel()
		wg.Wait()
	}
}
