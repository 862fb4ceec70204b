package browser

// Shares maps browser IDs to an estimated percentage of the user base.
// Missing entries mean zero.
type Shares map[ID]float64

// Clone returns an independent copy of the shares.
func (s Shares) Clone() Shares {
	out := make(Shares, len(s))
	for id, value := range s {
		out[id] = value
	}
	return out
}

// Sum adds up the shares of all catalog browsers. Entries for unknown IDs
// are ignored.
func (s Shares) Sum() float64 {
	var total float64
	for _, id := range ids {
		total += s[id]
	}
	return total
}
