package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type operationKey struct {
	opType string
	status string
}

type pipelineCollector struct {
	mu          sync.Mutex
	operations  map[operationKey]uint64
	resolutions map[string]uint64
	authDenied  uint64
}

var pipeline = &pipelineCollector{
	operations:  make(map[operationKey]uint64),
	resolutions: make(map[string]uint64),
}

// ObserveOperation counts an operation reaching a terminal status.
func ObserveOperation(opType, status string) {
	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	pipeline.operations[operationKey{opType: opType, status: status}]++
}

// ObserveResolution counts a command resolution outcome by kind.
func ObserveResolution(kind string) {
	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	pipeline.resolutions[kind]++
}

// ObserveAuthorizationDenied counts a denied authorization decision.
func ObserveAuthorizationDenied() {
	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	pipeline.authDenied++
}

func (c *pipelineCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type operationMetric struct {
		operationKey
		value uint64
	}
	ops := make([]operationMetric, 0, len(c.operations))
	for key, value := range c.operations {
		ops = append(ops, operationMetric{operationKey: key, value: value})
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].opType == ops[j].opType {
			return ops[i].status < ops[j].status
		}
		return ops[i].opType < ops[j].opType
	})

	kinds := make([]string, 0, len(c.resolutions))
	for kind := range c.resolutions {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP aegis_operations_total Total number of operations by type and terminal status.\n")
	builder.WriteString("# TYPE aegis_operations_total counter\n")
	for _, metric := range ops {
		builder.WriteString(fmt.Sprintf("aegis_operations_total{type=\"%s\",status=\"%s\"} %d\n",
			escape(metric.opType), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP aegis_resolutions_total Total number of command resolutions by outcome kind.\n")
	builder.WriteString("# TYPE aegis_resolutions_total counter\n")
	for _, kind := range kinds {
		builder.WriteString(fmt.Sprintf("aegis_resolutions_total{kind=\"%s\"} %d\n",
			escape(kind), c.resolutions[kind]))
	}

	builder.WriteString("# HELP aegis_authorization_denied_total Total number of denied authorization decisions.\n")
	builder.WriteString("# TYPE aegis_authorization_denied_total counter\n")
	builder.WriteString(fmt.Sprintf("aegis_authorization_denied_total %d\n", c.authDenied))

	return builder.String()
}
