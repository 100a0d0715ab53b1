package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(values ...interface{}) map[string]interface{} {
	return map[string]interface{}{"items": values}
}

func records() map[string]interface{} {
	return items(
		map[string]interface{}{"name": "a", "score": 10, "team": "red"},
		map[string]interface{}{"name": "b", "score": 20, "team": "blue"},
		map[string]interface{}{"name": "c", "score": 30, "team": "red"},
	)
}

func TestTransformAggregate(t *testing.T) {
	reg := NewTransformRegistry()
	fn, ok := reg.Get("aggregate")
	require.True(t, ok)
	ctx := context.Background()

	sum, err := fn(ctx, map[string]interface{}{"operation": "sum", "field": "score"}, records())
	require.NoError(t, err)
	assert.Equal(t, 60.0, sum)

	avg, err := fn(ctx, map[string]interface{}{"operation": "avg", "field": "score"}, records())
	require.NoError(t, err)
	assert.Equal(t, 20.0, avg)

	count, err := fn(ctx, map[string]interface{}{"operation": "count"}, records())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	min, err := fn(ctx, map[string]interface{}{"operation": "min", "field": "score"}, records())
	require.NoError(t, err)
	assert.Equal(t, 10.0, min)

	max, err := fn(ctx, map[string]interface{}{"operation": "max", "field": "score"}, records())
	require.NoError(t, err)
	assert.Equal(t, 30.0, max)

	grouped, err := fn(ctx, map[string]interface{}{"operation": "group_by", "key": "team"}, records())
	require.NoError(t, err)
	groups := grouped.(map[string][]interface{})
	assert.Len(t, groups["red"], 2)
	assert.Len(t, groups["blue"], 1)

	concat, err := fn(ctx, map[string]interface{}{"operation": "concat", "field": "name", "separator": ","}, records())
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", concat)

	_, err = fn(ctx, map[string]interface{}{"operation": "median"}, records())
	assert.Error(t, err)
}

func TestTransformFilter(t *testing.T) {
	reg := NewTransformRegistry()
	fn, _ := reg.Get("filter")
	ctx := context.Background()

	gt, err := fn(ctx, map[string]interface{}{"condition": "gt", "field": "score", "value": 15}, records())
	require.NoError(t, err)
	assert.Len(t, gt.([]interface{}), 2)

	eq, err := fn(ctx, map[string]interface{}{"condition": "eq", "field": "team", "value": "red"}, records())
	require.NoError(t, err)
	assert.Len(t, eq.([]interface{}), 2)

	contains, err := fn(ctx, map[string]interface{}{"condition": "contains", "field": "name", "value": "b"}, records())
	require.NoError(t, err)
	assert.Len(t, contains.([]interface{}), 1)

	none, err := fn(ctx, map[string]interface{}{"condition": "gt", "field": "score", "value": 100}, records())
	require.NoError(t, err)
	assert.Empty(t, none.([]interface{}))

	_, err = fn(ctx, map[string]interface{}{"condition": "between", "field": "score", "value": 1}, records())
	assert.Error(t, err)
}

func TestTransformMap(t *testing.T) {
	reg := NewTransformRegistry()
	fn, _ := reg.Get("map")
	ctx := context.Background()

	extracted, err := fn(ctx, map[string]interface{}{"operation": "extract", "field": "name"}, records())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, extracted)

	projected, err := fn(ctx, map[string]interface{}{
		"operation": "project",
		"fields":    []interface{}{"name", "team"},
	}, records())
	require.NoError(t, err)
	rows := projected.([]interface{})
	require.Len(t, rows, 3)
	first := rows[0].(map[string]interface{})
	assert.Equal(t, "a", first["name"])
	assert.NotContains(t, first, "score")
}

func TestTransformConsensus(t *testing.T) {
	reg := NewTransformRegistry()
	ctx := context.Background()

	compare, _ := reg.Get("compare_results")
	result, err := compare(ctx, nil, map[string]interface{}{
		"results": []interface{}{
			"the quick brown fox",
			"the quick brown fox",
			"something entirely different",
		},
	})
	require.NoError(t, err)
	m := result.(map[string]interface{})
	assert.Equal(t, 3, m["result_count"])
	assert.Len(t, m["pairs"], 3)

	verify, _ := reg.Get("verify_consensus")
	agree, err := verify(ctx, map[string]interface{}{"threshold": 0.9}, map[string]interface{}{
		"results": []interface{}{"same answer", "same answer"},
	})
	require.NoError(t, err)
	am := agree.(map[string]interface{})
	assert.True(t, am["consensus"].(bool))
	assert.Equal(t, 1.0, am["agreement_score"])

	disagree, err := verify(ctx, map[string]interface{}{"threshold": 0.9}, map[string]interface{}{
		"results": []interface{}{"alpha beta", "gamma delta"},
	})
	require.NoError(t, err)
	dm := disagree.(map[string]interface{})
	assert.False(t, dm["consensus"].(bool))
}

func TestTransformJQ(t *testing.T) {
	reg := NewTransformRegistry()
	fn, _ := reg.Get("jq")
	ctx := context.Background()

	result, err := fn(ctx,
		map[string]interface{}{"query": ".users | map(.name)"},
		map[string]interface{}{"data": map[string]interface{}{
			"users": []interface{}{
				map[string]interface{}{"name": "a"},
				map[string]interface{}{"name": "b"},
			},
		}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, result)

	_, err = fn(ctx, map[string]interface{}{"query": ".["}, map[string]interface{}{"data": nil})
	assert.Error(t, err)

	_, err = fn(ctx, map[string]interface{}{}, map[string]interface{}{"data": nil})
	assert.Error(t, err)
}

func TestTransformRegistry_CustomRegistration(t *testing.T) {
	reg := NewTransformRegistry()
	reg.Register("double", func(_ context.Context, _, inputs map[string]interface{}) (interface{}, error) {
		n, _ := toFloat(inputs["n"])
		return n * 2, nil
	})

	fn, ok := reg.Get("double")
	require.True(t, ok)
	out, err := fn(context.Background(), nil, map[string]interface{}{"n": 21})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)

	_, ok = reg.Get("unregistered")
	assert.False(t, ok)
}

func TestTextSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, textSimilarity("same words", "same words"))
	assert.Equal(t, 0.0, textSimilarity("alpha beta", "gamma delta"))
	mid := textSimilarity("the quick fox", "the slow fox")
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
	assert.Equal(t, 1.0, textSimilarity("", ""))
}
