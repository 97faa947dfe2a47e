package dcsim

import (
	"sort"
	"time"
)

// Info describes one DC for routing.
type Info struct {
	ID      int
	Addr    string
	Country string
	// RTT as measured from clients; zero = unknown.
	RTT time.Duration
}

// SelectNearest picks the DC a client in country should use. Rule: DCs in
// the client's country first, then everything else; lowest RTT within each
// group, lower id on ties. Returns fallback if dcs is empty.
func SelectNearest(dcs []Info, country string, fallback int) int {
	if len(dcs) == 0 {
		return fallback
	}
	sorted := make([]Info, len(dcs))
	copy(sorted, dcs)
	sort.Slice(sorted, func(i, j int) bool {
		li, lj := sameCountry(sorted[i], country), sameCountry(sorted[j], country)
		if li != lj {
			return li
		}
		ri, rj := rttOrMax(sorted[i]), rttOrMax(sorted[j])
		if ri != rj {
			return ri < rj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0].ID
}

func sameCountry(d Info, country string) bool {
	return country != "" && d.Country == country
}

func rttOrMax(d Info) time.Duration {
	if d.RTT > 0 {
		return d.RTT
	}
	return time.Hour
}
