package metric

// MetricItem is one module's metric snapshot, rendered as a JSON blob.
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
