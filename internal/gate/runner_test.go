package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(res Result) Validator {
	return func(context.Context, *Context) (Result, error) { return res, nil }
}

func counting(n *int, res Result) Validator {
	return func(context.Context, *Context) (Result, error) {
		*n++
		return res, nil
	}
}

type recordingObserver struct{ names []string }

func (o *recordingObserver) GateEvaluated(_ context.Context, name string, _ Result, _ time.Duration) {
	o.names = append(o.names, name)
}

func TestValidateStopsAtFirstRequiredFailure(t *testing.T) {
	var after int
	gates := []Gate{
		{Name: "A", Validator: fixed(Pass())},
		{Name: "B", Validator: fixed(Fail("b broke"))},
		{Name: "C", Validator: counting(&after, Pass())},
	}
	obs := &recordingObserver{}
	sum := Runner{Observer: obs}.Validate(context.Background(), gates, &Context{})

	assert.False(t, sum.Passed)
	assert.Equal(t, "B", sum.FailedGate)
	assert.Equal(t, []string{"A", "B"}, sum.Order)
	assert.Equal(t, 0, after, "gates after a required failure must not run")
	assert.Equal(t, []string{"B: b broke"}, sum.Issues)
	assert.Equal(t, 50, sum.NormalizedScore)
	assert.Equal(t, []string{"A", "B"}, obs.names)

	failed, ok := sum.Failed()
	require.True(t, ok)
	assert.Equal(t, []string{"b broke"}, failed.Issues)
}

func TestOptionalFailureContinuesAsWarning(t *testing.T) {
	gates := []Gate{
		{Name: "DOCS", Validator: fixed(Fail("no docs")), Optional: true},
		{Name: "CI", Validator: fixed(Pass())},
	}
	sum := Runner{}.Validate(context.Background(), gates, nil)

	assert.True(t, sum.Passed)
	assert.Empty(t, sum.FailedGate)
	assert.Equal(t, []string{"DOCS (optional): no docs"}, sum.Warnings)
	assert.Equal(t, 50, sum.NormalizedScore)
}

func TestConditionSkipsGate(t *testing.T) {
	var ran int
	gates := []Gate{
		{Name: "CHILDREN", Validator: counting(&ran, Fail("x")), Condition: func(*Context) bool { return false }},
		{Name: "OK", Validator: fixed(Pass())},
	}
	sum := Runner{}.Validate(context.Background(), gates, &Context{})

	assert.True(t, sum.Passed)
	assert.Equal(t, 0, ran)
	assert.Equal(t, []string{"CHILDREN"}, sum.Skipped)
	assert.Equal(t, []string{"OK"}, sum.Order)
	assert.Equal(t, 100, sum.NormalizedScore)
}

func TestValidatorErrorsAndPanicsFailTheGate(t *testing.T) {
	gates := []Gate{
		{Name: "ERR", Optional: true, Validator: func(context.Context, *Context) (Result, error) {
			return Result{}, errors.New("backend down")
		}},
		{Name: "PANIC", Validator: func(context.Context, *Context) (Result, error) {
			panic("boom")
		}},
	}
	sum := Runner{}.Validate(context.Background(), gates, &Context{})

	require.False(t, sum.Passed)
	assert.Equal(t, "PANIC", sum.FailedGate)
	assert.Equal(t, 0, sum.GateResults["ERR"].Score)
	assert.Equal(t, DefaultMaxScore, sum.GateResults["ERR"].MaxScore)
	assert.Contains(t, sum.Warnings, "ERR (optional): backend down")
	assert.Contains(t, sum.GateResults["PANIC"].Issues[0], "boom")
	assert.Equal(t, 0, sum.NormalizedScore)
}

func TestCancelledContextFailsNextGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran int
	gates := []Gate{{Name: "A", Validator: counting(&ran, Pass()), Optional: true}}
	sum := Runner{}.Validate(ctx, gates, &Context{})

	assert.False(t, sum.Passed, "cancellation stops the run even for optional gates")
	assert.Equal(t, "A", sum.FailedGate)
	assert.Equal(t, 0, ran)
}

func TestScoresAreClampedAndDefaulted(t *testing.T) {
	gates := []Gate{
		{Name: "OVER", Validator: fixed(Result{Passed: true, Score: 500, MaxScore: 10})},
		{Name: "BARE", Validator: fixed(Result{Passed: true})},
	}
	sum := Runner{}.Validate(context.Background(), gates, &Context{})

	assert.Equal(t, 10, sum.GateResults["OVER"].Score)
	assert.Equal(t, DefaultMaxScore, sum.GateResults["BARE"].Score)
	assert.Equal(t, 110, sum.TotalMaxScore)
	assert.Equal(t, 100, sum.NormalizedScore)
}

func TestEmptyGateListPasses(t *testing.T) {
	sum := Runner{}.Validate(context.Background(), nil, nil)
	assert.True(t, sum.Passed)
	assert.Equal(t, 100, sum.NormalizedScore)
}

func TestContextValues(t *testing.T) {
	gc := &Context{}
	_, ok := gc.Get("k")
	assert.False(t, ok)
	gc.Set("k", 3)
	v, ok := gc.Get("k")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}
