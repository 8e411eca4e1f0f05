package control

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// Bind makes p follow the ledger status of operation id: paused pauses the
// plane, running resumes it, and any terminal status cancels it. Because the
// ledger reports changes from other processes, a pause or cancel issued
// anywhere reaches the runner. The returned function stops following.
func Bind(ctx context.Context, p *Plane, ledger core.Ledger, id core.OperationID) (func(), error) {
	unsubscribe := ledger.Subscribe(func(ev core.ChangeEvent) {
		if ev.Record != nil && ev.Record.ID == id {
			Apply(p, ev.Record.Status)
		}
	})

	rec, err := ledger.Get(ctx, id)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("binding control to %s: %w", id, err)
	}
	Apply(p, rec.Status)
	return unsubscribe, nil
}

// Apply moves p to match an operation status.
func Apply(p *Plane, status core.OperationStatus) {
	switch {
	case status == core.StatusPaused:
		p.Pause()
	case status == core.StatusRunning:
		p.Resume()
	case status.IsTerminal():
		p.Cancel(fmt.Sprintf("operation %s", status))
	}
}
