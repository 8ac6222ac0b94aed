package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/slotwatch/engine/internal/store"
)

// DetectionsView lists transactions that matched a target rule.
type DetectionsView struct {
	list       *tview.List
	detections []store.Detection
	maxItems   int
}

// NewDetectionsView creates a new detections view.
func NewDetectionsView() *DetectionsView {
	list := tview.NewList().
		ShowSecondaryText(true)

	list.SetTitle(" Detections ").SetBorder(true)
	list.SetMainTextColor(tcell.ColorWhite)

	return &DetectionsView{
		list:       list,
		detections: make([]store.Detection, 0, 50),
		maxItems:   50,
	}
}

// Widget returns the tview primitive.
func (v *DetectionsView) Widget() tview.Primitive {
	return v.list
}

// AddDetection adds a detection to the front of the list.
func (v *DetectionsView) AddDetection(d store.Detection) {
	v.detections = append([]store.Detection{d}, v.detections...)

	if len(v.detections) > v.maxItems {
		v.detections = v.detections[:v.maxItems]
	}

	v.rebuildList()
}

// Refresh redraws the list.
func (v *DetectionsView) Refresh() {
	v.rebuildList()
}

func (v *DetectionsView) rebuildList() {
	v.list.Clear()

	if len(v.detections) == 0 {
		v.list.AddItem("No pool creations detected yet", "", 0, nil)
		return
	}

	for _, d := range v.detections {
		mainText, secondaryText := formatDetection(d)
		v.list.AddItem(mainText, secondaryText, 0, nil)
	}

	v.list.SetTitle(fmt.Sprintf(" Detections (%d) ", len(v.detections)))
}

// formatDetection renders the rule and instruction on the main line and the
// transaction details below it.
func formatDetection(d store.Detection) (string, string) {
	mainText := fmt.Sprintf("%s [green]%s[-] %s", d.At.Format("15:04:05"), d.RuleName, d.Instruction)

	secondaryText := fmt.Sprintf("Slot %d | Tx %s | %d accounts",
		d.Slot, truncateAddress(d.Signature), len(d.AccountKeys))
	return mainText, secondaryText
}

// truncateAddress truncates a base58 key or signature for display.
func truncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
