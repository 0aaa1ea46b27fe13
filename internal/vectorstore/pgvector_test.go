package vectorstore

import (
	"testing"

	"github.com/groundplane/groundplane/pkg/models"
)

func TestVectorLiteral(t *testing.T) {
	got := vectorLiteral([]float32{0.5, -1, 2.25})
	want := "[0.5,-1,2.25]"
	if got != want {
		t.Errorf("vectorLiteral = %q, want %q", got, want)
	}
}

func TestTableName(t *testing.T) {
	got := tableName("9A3f-22b1")
	want := "vec_9a3f_22b1"
	if got != want {
		t.Errorf("tableName = %q, want %q", got, want)
	}
}

func TestMetricSQL(t *testing.T) {
	tests := []struct {
		metric    models.DistanceMetric
		wantScore string
		wantDist  string
	}{
		{models.MetricCosine, `1 - (embedding <=> $1)`, `embedding <=> $1`},
		{"", `1 - (embedding <=> $1)`, `embedding <=> $1`},
		{models.MetricInnerProduct, `-(embedding <#> $1)`, `embedding <#> $1`},
		{models.MetricL2, `-(embedding <-> $1)`, `embedding <-> $1`},
	}
	for _, tt := range tests {
		score, dist := metricSQL(tt.metric)
		if score != tt.wantScore || dist != tt.wantDist {
			t.Errorf("metricSQL(%q) = %q, %q, want %q, %q", tt.metric, score, dist, tt.wantScore, tt.wantDist)
		}
	}
}
