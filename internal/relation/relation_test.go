package relation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/plangate/internal/plan"
)

const natPlan = `{"resource_changes":[
	{"address":"aws_subnet.public","type":"aws_subnet","mode":"managed","change":{"actions":["create"],"after":{"id":"subnet-1","vpc_id":"vpc-1"}}},
	{"address":"aws_subnet.private","type":"aws_subnet","mode":"managed","change":{"actions":["create"],"after":{"id":"subnet-2","vpc_id":"vpc-1"}}},
	{"address":"aws_nat_gateway.a","type":"aws_nat_gateway","mode":"managed","change":{"actions":["create"],"after":{"subnet_id":"subnet-1"}}},
	{"address":"aws_nat_gateway.b","type":"aws_nat_gateway","mode":"managed","change":{"actions":["create"],"after":{},"after_unknown":{"subnet_id":true}}}
]}`

func newResolver(t *testing.T, src string) *Resolver {
	t.Helper()
	doc, err := plan.Parse([]byte(src))
	require.NoError(t, err)
	ix, err := plan.NewIndex(doc)
	require.NoError(t, err)
	return NewResolver(ix)
}

func TestExistsAndCount(t *testing.T) {
	r := newResolver(t, natPlan)
	subnet := plan.MustParsePath("subnet_id")

	assert.True(t, r.Exists("aws_nat_gateway", Equals(subnet, plan.FromRaw("subnet-1"))))
	assert.False(t, r.Exists("aws_nat_gateway", Equals(subnet, plan.FromRaw("subnet-9"))))
	assert.Equal(t, 1, r.Count("aws_nat_gateway", Equals(subnet, plan.FromRaw("subnet-1"))))
	assert.Equal(t, 2, r.Count("aws_subnet", Equals(plan.MustParsePath("vpc_id"), plan.FromRaw("vpc-1"))))
}

func TestUnknownTypeIsEmpty(t *testing.T) {
	r := newResolver(t, `{"resource_changes":[]}`)
	res := r.Query("aws_nat_gateway", Equals(plan.MustParsePath("subnet_id"), plan.FromRaw("subnet-1")))
	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Unknown)
	assert.False(t, r.Exists("aws_nat_gateway", Func("any", func(*plan.Resource) Match { return Matched })))
}

func TestQueryReportsComputedCandidates(t *testing.T) {
	r := newResolver(t, natPlan)
	res := r.Query("aws_nat_gateway", Equals(plan.MustParsePath("subnet_id"), plan.FromRaw("subnet-2")))
	assert.Equal(t, 0, res.Definite())
	assert.Equal(t, 1, res.Possible())
	require.Len(t, res.Unknown, 1)
	assert.Equal(t, "aws_nat_gateway.b", res.Unknown[0].Address)
}

func TestScanMatcherAgreesWithIndex(t *testing.T) {
	r := newResolver(t, natPlan)
	p := plan.MustParsePath("subnet_id")
	want := plan.FromRaw("subnet-1")

	keyed := r.Query("aws_nat_gateway", Equals(p, want))
	scanned := r.Query("aws_nat_gateway", Func("scan:subnet-1", Equals(p, want).Match))
	assert.Equal(t, keyed.Matches, scanned.Matches)
	assert.Equal(t, keyed.Unknown, scanned.Unknown)
}

func TestKeyedAndScannedAgreeAcrossNumericEncodings(t *testing.T) {
	r := newResolver(t, `{"resource_changes":[
		{"address":"aws_lb_listener.str","type":"aws_lb_listener","mode":"managed","change":{"actions":["create"],"after":{"port":"443"}}},
		{"address":"aws_lb_listener.num","type":"aws_lb_listener","mode":"managed","change":{"actions":["create"],"after":{"port":443}}},
		{"address":"aws_lb_listener.other","type":"aws_lb_listener","mode":"managed","change":{"actions":["create"],"after":{"port":"80"}}},
		{"address":"aws_lb_listener.flag","type":"aws_lb_listener","mode":"managed","change":{"actions":["create"],"after":{"port":true}}}
	]}`)
	p := plan.MustParsePath("port")

	for _, want := range []plan.Value{plan.FromRaw(443.0), plan.FromRaw("443"), plan.FromRaw(" 443 ")} {
		keyed := r.Query("aws_lb_listener", Equals(p, want))
		scanned := r.Query("aws_lb_listener", Func("scan:"+want.Canonical(), Equals(p, want).Match))
		require.Len(t, keyed.Matches, 2, "want %s", want)
		assert.Equal(t, keyed.Matches, scanned.Matches, "want %s", want)
	}
	assert.Equal(t, 1, r.Count("aws_lb_listener", Equals(p, plan.FromRaw(true))), "booleans never read as numbers")
}

func TestFindIsRestartable(t *testing.T) {
	r := newResolver(t, natPlan)
	seq := r.Find("aws_subnet", Equals(plan.MustParsePath("vpc_id"), plan.FromRaw("vpc-1")))

	var first, second []string
	for res := range seq {
		first = append(first, res.Address)
	}
	for res := range seq {
		second = append(second, res.Address)
	}
	assert.Equal(t, []string{"aws_subnet.public", "aws_subnet.private"}, first)
	assert.Equal(t, first, second)

	var stopped []string
	for res := range seq {
		stopped = append(stopped, res.Address)
		break
	}
	assert.Len(t, stopped, 1)
}

func TestMultiHopJoin(t *testing.T) {
	r := newResolver(t, natPlan)

	// vpc-1 has a NAT gateway if any of its subnets hosts one.
	hasNAT := false
	for sub := range r.Find("aws_subnet", Equals(plan.MustParsePath("vpc_id"), plan.FromRaw("vpc-1"))) {
		id := plan.Lookup(sub, plan.MustParsePath("id"))
		if r.Exists("aws_nat_gateway", Equals(plan.MustParsePath("subnet_id"), id)) {
			hasNAT = true
		}
	}
	assert.True(t, hasNAT)
}

func TestCacheIsSharedAndConcurrent(t *testing.T) {
	r := newResolver(t, natPlan)
	calls := 0
	var mu sync.Mutex
	m := Func("counting", func(res *plan.Resource) Match {
		mu.Lock()
		calls++
		mu.Unlock()
		return Matched
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 2, r.Count("aws_nat_gateway", m))
		}()
	}
	wg.Wait()

	stats := r.Stats()
	assert.Equal(t, int64(16), stats.Hits+stats.Misses)
	assert.GreaterOrEqual(t, stats.Misses, int64(1))

	before := calls
	assert.Equal(t, 2, r.Count("aws_nat_gateway", m))
	assert.Equal(t, before, calls, "a cached query does not rescan")
}
