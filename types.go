package veld

// Progress is a point-in-time snapshot of a Downloader's transfer state.
type Progress struct {
	Status     string
	Downloaded int64
	Total      int64
	Speed      int64 // bytes/sec, most recently sampled
}

// Percent returns the downloaded fraction as a percentage, or 0 if the
// total size isn't known yet.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Downloaded) / float64(p.Total) * 100
}
