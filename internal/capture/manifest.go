package capture

import "time"

// Warnings counts non-fatal problems hit during a capture.
type Warnings struct {
	Discovery int `json:"discovery"`
	Rewrite   int `json:"rewrite"`
}

// Manifest summarizes a finished capture. It is written next to index.html
// and is the only thing the library needs to list captures.
type Manifest struct {
	CaptureID   string       `json:"capture_id"`
	OriginalURL string       `json:"original_url"`
	FinalURL    string       `json:"final_url"`
	CaptureTime time.Time    `json:"capture_time"`
	FolderName  string       `json:"folder_name"`
	Renderer    string       `json:"renderer"`
	Screenshot  string       `json:"screenshot,omitempty"`
	DurationMs  int64        `json:"duration_ms"`
	Occurrences map[Kind]int `json:"occurrences"`
	Assets      map[Kind]int `json:"assets"`
	Downloaded  map[Kind]int `json:"downloaded"`
	Failed      map[Kind]int `json:"failed"`
	Warnings    Warnings     `json:"warnings"`
	Records     []Record     `json:"records"`
}

// BuildManifest derives the per-kind counters from the occurrences and the
// final records. Every kind is present in every map so consumers never have
// to special-case a missing key.
func BuildManifest(occurrences []Occurrence, records []*Record) Manifest {
	m := Manifest{
		Occurrences: zeroCounts(),
		Assets:      zeroCounts(),
		Downloaded:  zeroCounts(),
		Failed:      zeroCounts(),
		Records:     make([]Record, 0, len(records)),
	}
	for _, occ := range occurrences {
		m.Occurrences[occ.Kind]++
	}
	for _, rec := range records {
		m.Assets[rec.Kind]++
		switch rec.Status {
		case StatusDownloaded:
			m.Downloaded[rec.Kind]++
		case StatusFailed:
			m.Failed[rec.Kind]++
		}
		m.Records = append(m.Records, *rec)
	}
	return m
}

// Totals returns the unique, downloaded and failed asset counts across all
// kinds.
func (m Manifest) Totals() (assets, downloaded, failed int) {
	for _, k := range Kinds {
		assets += m.Assets[k]
		downloaded += m.Downloaded[k]
		failed += m.Failed[k]
	}
	return assets, downloaded, failed
}

func zeroCounts() map[Kind]int {
	counts := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		counts[k] = 0
	}
	return counts
}
