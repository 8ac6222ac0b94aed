// Package ui provides terminal user interface components.
package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/slotwatch/engine/internal/metrics"
	"github.com/slotwatch/engine/internal/store"
)

// DefaultRefreshRate is used when NewApp is given a non-positive rate.
const DefaultRefreshRate = 500 * time.Millisecond

// App is the main TUI application.
type App struct {
	app    *tview.Application
	layout *tview.Flex

	// Views
	pools          *PoolsView
	detections     *DetectionsView
	liveSlots      *LiveSlotsView
	statsDashboard *StatsDashboardView
	ruleHits       *RuleHitsView

	// Data sources
	detectionChan  <-chan store.Detection
	metricsTracker *metrics.MetricsTracker
	refreshRate    time.Duration

	// State
	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates a new TUI application.
func NewApp(detectionChan <-chan store.Detection, tracker *metrics.MetricsTracker, refreshRate time.Duration) *App {
	ctx, cancel := context.WithCancel(context.Background())
	if refreshRate <= 0 {
		refreshRate = DefaultRefreshRate
	}

	app := &App{
		app:            tview.NewApplication(),
		detectionChan:  detectionChan,
		metricsTracker: tracker,
		refreshRate:    refreshRate,
		ctx:            ctx,
		cancel:         cancel,
	}

	// Initialize views
	app.pools = NewPoolsView()
	app.detections = NewDetectionsView()
	app.liveSlots = NewLiveSlotsView()
	app.statsDashboard = NewStatsDashboardView()
	app.ruleHits = NewRuleHitsView()

	app.setupLayout()
	app.setupKeyboard()

	return app
}

// setupLayout creates the 5-panel layout.
func (a *App) setupLayout() {
	// Top row: Published Pools (left) | Detections (right)
	topRow := tview.NewFlex().
		AddItem(a.pools.Widget(), 0, 1, false).
		AddItem(a.detections.Widget(), 0, 2, false)

	// Middle row: Live Slots (full width)
	middleRow := a.liveSlots.Widget()

	// Bottom row: Stats Dashboard (left) | Rule Hits (right)
	bottomRow := tview.NewFlex().
		AddItem(a.statsDashboard.Widget(), 0, 1, false).
		AddItem(a.ruleHits.Widget(), 0, 1, false)

	a.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 2, false).
		AddItem(middleRow, 0, 3, false).
		AddItem(bottomRow, 0, 2, false)

	a.app.SetRoot(a.layout, true)
}

// setupKeyboard configures keyboard shortcuts.
func (a *App) setupKeyboard() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			a.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q', 'Q':
				a.Stop()
				return nil
			case 'r', 'R':
				a.refresh()
				return nil
			}
		}
		return event
	})
}

// Run starts the TUI application (blocking). It returns when the user
// quits or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.processDetections()
	go a.updateLoop()
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-a.ctx.Done():
		}
	}()

	if err := a.app.Run(); err != nil {
		return fmt.Errorf("app run failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the application.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

// Done is closed once the application has been stopped.
func (a *App) Done() <-chan struct{} {
	return a.ctx.Done()
}

// processDetections reads from the detection channel and updates the alerts.
func (a *App) processDetections() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case d, ok := <-a.detectionChan:
			if !ok {
				return
			}
			a.app.QueueUpdateDraw(func() {
				a.detections.AddDetection(d)
			})
		}
	}
}

// updateLoop periodically refreshes views with metrics data.
func (a *App) updateLoop() {
	ticker := time.NewTicker(a.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			snapshot := a.metricsTracker.Snapshot()

			a.app.QueueUpdateDraw(func() {
				a.update(snapshot)
			})
		}
	}
}

func (a *App) update(snapshot metrics.MetricsSnapshot) {
	a.pools.Update(snapshot)
	a.liveSlots.Update(snapshot)
	a.statsDashboard.Update(snapshot)
	a.ruleHits.Update(snapshot)
}

// refresh manually refreshes all views.
func (a *App) refresh() {
	snapshot := a.metricsTracker.Snapshot()

	a.app.QueueUpdateDraw(func() {
		a.update(snapshot)
		a.detections.Refresh()
	})
}
