package manager

import (
	"fmt"
	"sort"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/util"
)

// Diagnostics returns the diagnostics of every live link, ordered by remote
// address.
func (m *Manager) Diagnostics() []link.Diagnostics {
	links := m.Links()
	out := make([]link.Diagnostics, 0, len(links))
	for _, l := range links {
		out = append(out, l.Diagnostics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

// StatusTable renders diags as a console table.
func StatusTable(diags []link.Diagnostics) (string, error) {
	data := pterm.TableData{
		{"Peer", "Remote", "State", "MTU", "RTT avg/p99", "Queue", "Out/Resent", "In/Dup", "Bytes in", "Bytes out", "Age"},
	}
	for _, d := range diags {
		name := d.Name
		if name == "" && len(d.ID) >= 8 {
			name = d.ID[:8]
		}
		data = append(data, []string{
			name,
			d.Remote,
			state(d),
			fmt.Sprint(d.MTU),
			fmt.Sprintf("%v/%v", d.RTTAverage.Round(time.Millisecond), d.RTTP99.Round(time.Millisecond)),
			fmt.Sprint(d.QueueDepth),
			fmt.Sprintf("%d/%d", d.UnitsOut, d.UnitsResent),
			fmt.Sprintf("%d/%d", d.UnitsIn, d.UnitsDuplicate),
			util.FormatBytes(float64(d.BytesIn)),
			util.FormatBytes(float64(d.BytesOut)),
			d.Age.Round(time.Second).String(),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

func state(d link.Diagnostics) string {
	switch {
	case d.Closing:
		return "closing"
	case d.Established && !d.MTUDone:
		return "probing"
	case d.Established:
		return "established"
	default:
		return "connecting"
	}
}
