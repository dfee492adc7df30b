package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

const seriesFile = "scalars.csv"

type Point struct {
	Step  int
	Value float64
}

// SeriesRecorder collects scalar series in memory until they are written.
// It is a report.ScalarSink.
type SeriesRecorder struct {
	mu     sync.Mutex
	series map[string][]Point
}

func NewSeriesRecorder() *SeriesRecorder {
	return &SeriesRecorder{series: make(map[string][]Point)}
}

func (r *SeriesRecorder) Scalar(name string, value float64, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series[name] = append(r.series[name], Point{Step: step, Value: value})
}

func (r *SeriesRecorder) Series(name string) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Point(nil), r.series[name]...)
}

func (r *SeriesRecorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.series))
	for name := range r.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteSeries writes every series as name,step,value rows, series sorted by
// name and points in arrival order.
func (r *SeriesRecorder) WriteSeries(runDir string) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(runDir, seriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"name", "step", "value"}); err != nil {
		return err
	}
	for _, name := range r.Names() {
		for _, p := range r.Series(name) {
			if err := writer.Write([]string{
				name,
				strconv.Itoa(p.Step),
				strconv.FormatFloat(p.Value, 'g', -1, 64),
			}); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadSeries(runDir string) (map[string][]Point, bool, error) {
	file, err := os.Open(filepath.Join(runDir, seriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return map[string][]Point{}, true, nil
		}
		return nil, false, err
	}
	out := make(map[string][]Point)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) != 3 {
			return nil, false, fmt.Errorf("series row must have 3 columns, got %d", len(record))
		}
		step, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, false, err
		}
		out[record[0]] = append(out[record[0]], Point{Step: step, Value: value})
	}
	return out, true, nil
}
