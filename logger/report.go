package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages atomic.Int64
	bytes    atomic.Int64
}

type levelStat struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var (
	streams    sync.Map // map[string]*streamStat
	components sync.Map // map[string]*levelStat
)

func componentStat(component string) *levelStat {
	v, _ := components.LoadOrStore(component, &levelStat{})
	return v.(*levelStat)
}

func recordWarn(component string) {
	componentStat(component).warns.Add(1)
}

func recordError(component string) {
	componentStat(component).errors.Add(1)
}

// RecordStreamMessage counts one message of size bytes on the named stream,
// e.g. "orderbooks_ws" or "executions_ws".
func RecordStreamMessage(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	s := v.(*streamStat)
	s.messages.Add(1)
	s.bytes.Add(int64(size))
}

// StartReport logs runtime and stream statistics every interval until ctx is
// done, and pushes them to CloudWatch when it is initialised.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

type reportSnapshot struct {
	streams    map[string][2]int64
	components map[string][2]int64
	goroutines int
	heapMB     float64
}

func takeSnapshot() reportSnapshot {
	snap := reportSnapshot{
		streams:    map[string][2]int64{},
		components: map[string][2]int64{},
		goroutines: runtime.NumGoroutine(),
	}
	streams.Range(func(k, v any) bool {
		s := v.(*streamStat)
		snap.streams[k.(string)] = [2]int64{s.messages.Load(), s.bytes.Load()}
		return true
	})
	components.Range(func(k, v any) bool {
		c := v.(*levelStat)
		snap.components[k.(string)] = [2]int64{c.warns.Load(), c.errors.Load()}
		return true
	})
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.heapMB = float64(mem.HeapAlloc) / 1024 / 1024
	return snap
}

func logReport(ctx context.Context, log *Log) {
	snap := takeSnapshot()

	streamFields := map[string]map[string]int64{}
	for name, s := range snap.streams {
		streamFields[name] = map[string]int64{"messages": s[0], "bytes": s[1]}
	}
	componentFields := map[string]map[string]int64{}
	for name, c := range snap.components {
		componentFields[name] = map[string]int64{"warns": c[0], "errors": c[1]}
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines": snap.goroutines,
		"heap_mb":    snap.heapMB,
		"streams":    streamFields,
		"components": componentFields,
	}).Info("runtime report")

	publishMetrics(ctx, reportDatums(snap))
}

func reportDatums(snap reportSnapshot) []cwtypes.MetricDatum {
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.goroutines))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(snap.heapMB)},
	}

	names := make([]string, 0, len(snap.streams))
	for name := range snap.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := snap.streams[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("StreamMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(s[0]))},
			cwtypes.MetricDatum{MetricName: aws.String("StreamBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(s[1]))},
		)
	}

	for name, c := range snap.components {
		dims := []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c[0]))},
			cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c[1]))},
		)
	}
	return data
}
