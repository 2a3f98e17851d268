// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package content

import (
	"fmt"
	"math"

	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessiondata"
)

// HistogramBins is the number of bins of the CTF histograms.
const HistogramBins = 10

// Histogram holds counts per bin and the formatted bin edges.
type Histogram struct {
	Label string   `json:"label"`
	Data  []int    `json:"data"`
	Bins  []string `json:"bins"`
}

// Counters summarises the processing progress of a session.
type Counters struct {
	Imported int `json:"imported"`
	Aligned  int `json:"aligned"`
	CTF      int `json:"ctf"`
	Picked   int `json:"picked"`
}

// SessionView is the live view of a session's processing.
type SessionView struct {
	DefocusPlot       []any         `json:"defocus_plot"`
	CTFDefocusHist    Histogram     `json:"ctf_defocus_hist"`
	ResolutionPlot    []any         `json:"resolution_plot"`
	CTFResolutionHist Histogram     `json:"ctf_resolution_hist"`
	Session           model.Session `json:"session"`
	Counters          Counters      `json:"counters"`
}

// SessionData builds the defocus and resolution series of the first set of
// data, with their histograms.
func SessionData(s *model.Session, data *sessiondata.File) (*SessionView, error) {
	sets := data.GetSets()
	if len(sets) == 0 {
		return nil, fmt.Errorf("session %s has no data sets", s.Name)
	}
	setID, ok := sets[0]["id"].(int)
	if !ok {
		return nil, fmt.Errorf("session %s: invalid set id %v", s.Name, sets[0]["id"])
	}
	mics, err := data.GetSetItems(setID, []string{"location", "ctfDefocus", "ctfResolution"})
	if err != nil {
		return nil, err
	}
	defocus := make([]float64, 0, len(mics))
	resolution := make([]float64, 0, len(mics))
	for _, m := range mics {
		defocus = append(defocus, toFloat(m["ctfDefocus"]))
		resolution = append(resolution, toFloat(m["ctfResolution"]))
	}
	return &SessionView{
		DefocusPlot:       series("Defocus", defocus),
		CTFDefocusHist:    NewHistogram("CTF Defocus", defocus, HistogramBins),
		ResolutionPlot:    series("Resolution", resolution),
		CTFResolutionHist: NewHistogram("CTF Resolution", resolution, HistogramBins),
		Session:           *s,
		Counters: Counters{
			Imported: s.Stats.NumOfMics,
			Aligned:  s.Stats.NumOfMics,
			CTF:      s.Stats.NumOfCtfs,
		},
	}, nil
}

func series(label string, values []float64) []any {
	out := make([]any, 0, len(values)+1)
	out = append(out, label)
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

// NewHistogram counts values into n equal-width bins spanning [min, max].
// The last bin includes max. A constant series is centred in a range of
// width 1; an empty one uses [0, 1].
func NewHistogram(label string, values []float64, n int) Histogram {
	lo, hi := 0.0, 1.0
	if len(values) > 0 {
		lo, hi = math.Inf(1), math.Inf(-1)
		for _, v := range values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if lo == hi {
			lo, hi = lo-0.5, hi+0.5
		}
	}
	width := (hi - lo) / float64(n)
	h := Histogram{Label: label, Data: make([]int, n), Bins: make([]string, 0, n+1)}
	for i := 0; i <= n; i++ {
		h.Bins = append(h.Bins, fmt.Sprintf("%0.1f", lo+float64(i)*width))
	}
	for _, v := range values {
		i := int((v - lo) / width)
		if i >= n {
			i = n - 1
		}
		if i < 0 {
			i = 0
		}
		h.Data[i]++
	}
	return h
}

// toFloat accepts the numeric types produced by JSON and CBOR decoding.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}
