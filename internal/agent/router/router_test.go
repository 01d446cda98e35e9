package router

import (
	"context"
	"errors"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"

	"github.com/insight-agent/server/internal/agent/model"
)

// fakeClassifier returns a canned answer or error and counts invocations.
type fakeClassifier struct {
	answer string
	err    error
	calls  int
}

func (f *fakeClassifier) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.answer, nil), nil
}

func (f *fakeClassifier) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func TestReportKeywordsSkipClassifier(t *testing.T) {
	classifier := &fakeClassifier{answer: "query"}
	r := New(classifier)

	d := r.Route(context.Background(), "Give me a Strategic Overview for Dallas")
	assert.Equal(t, model.RouteReport, d.Route)
	assert.Equal(t, "keyword", d.Method)
	assert.Equal(t, "strategic overview", d.MatchedKeyword)
	assert.Zero(t, classifier.calls)
}

func TestQueryKeywordsSkipClassifier(t *testing.T) {
	classifier := &fakeClassifier{answer: "report"}
	r := New(classifier)

	d := r.Route(context.Background(), "How many properties are in Denver?")
	assert.Equal(t, model.RouteRetrieval, d.Route)
	assert.Equal(t, "keyword", d.Method)
	assert.Zero(t, classifier.calls)
}

func TestAmbiguousQueryUsesClassifier(t *testing.T) {
	classifier := &fakeClassifier{answer: "report"}
	r := New(classifier)

	d := r.Route(context.Background(), "summarize Dallas for me")
	assert.Equal(t, model.RouteReport, d.Route)
	assert.Equal(t, "llm", d.Method)
	assert.Equal(t, 1, classifier.calls)
}

func TestClassifierAnswerQueryRoutesToRetrieval(t *testing.T) {
	classifier := &fakeClassifier{answer: "query"}
	r := New(classifier)

	d := r.Route(context.Background(), "occupancy for Continental Tower please")
	assert.Equal(t, model.RouteRetrieval, d.Route)
	assert.Equal(t, "llm", d.Method)
}

func TestClassifierFailureFallsBackToRetrieval(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("model unavailable")}
	r := New(classifier)

	d := r.Route(context.Background(), "something ambiguous")
	assert.Equal(t, model.RouteRetrieval, d.Route)
	assert.Equal(t, "fallback", d.Method)
}

func TestNilClassifierFallsBackToRetrieval(t *testing.T) {
	r := New(nil)

	d := r.Route(context.Background(), "something ambiguous")
	assert.Equal(t, model.RouteRetrieval, d.Route)
	assert.Equal(t, "fallback", d.Method)
}
