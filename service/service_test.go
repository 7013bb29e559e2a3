package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/e1732a364fed/frontdoor/service"
	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tag 在输入前后各记一笔, 用来观察层的顺序
func tag(name string, log *[]string) service.Layer[string, string, string, string] {
	return service.LayerFunc[string, string, string, string](func(inner service.Service[string, string]) service.Service[string, string] {
		return service.Func[string, string](func(ctx context.Context, in string) (string, error) {
			*log = append(*log, "in:"+name)
			out, err := inner.Serve(ctx, in+name)
			*log = append(*log, "out:"+name)
			return out, err
		})
	})
}

func TestStackOrder(t *testing.T) {
	var log []string
	s := service.Stack[string, string](service.Identity[string](), tag("a", &log), tag("b", &log))

	out, err := s.Serve(context.Background(), ">")
	require.NoError(t, err)
	assert.Equal(t, ">ab", out)
	assert.Equal(t, []string{"in:a", "in:b", "out:b", "out:a"}, log)
}

type peer struct{ addr string }
type user struct{ name string }

func TestExtensionsParentChain(t *testing.T) {
	conn := service.NewExtensions()
	service.Insert(conn, peer{"1.2.3.4:5"})

	req := conn.Child()
	service.Insert(req, user{"john"})

	p, ok := service.Get[peer](req)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4:5", p.addr)

	_, ok = service.Get[user](conn)
	assert.False(t, ok, "child insert must not leak into parent")

	prev, had := service.Insert(req, peer{"shadow"})
	assert.False(t, had, "insert only looks at its own map")
	assert.Equal(t, peer{}, prev)

	p, _ = service.Get[peer](conn)
	assert.Equal(t, "1.2.3.4:5", p.addr)
	p, _ = service.Get[peer](req)
	assert.Equal(t, "shadow", p.addr)

	prev, had = service.Insert(req, peer{"again"})
	assert.True(t, had)
	assert.Equal(t, "shadow", prev.addr)
}

func TestExtensionsInContext(t *testing.T) {
	ctx := context.Background()
	_, ok := service.GetFrom[peer](ctx)
	assert.False(t, ok)
	assert.False(t, service.InsertInto(ctx, peer{"x"}))

	s := service.Stack[int, string](
		service.Func[int, string](func(ctx context.Context, in int) (string, error) {
			p, ok := service.GetFrom[peer](ctx)
			if !ok {
				return "", errors.New("missing")
			}
			return p.addr, nil
		}),
		service.AddExtension[int, string](peer{"from-layer"}),
	)
	out, err := s.Serve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "from-layer", out)
}

func TestBoxErr(t *testing.T) {
	sentinel := errors.New("boom")
	s := service.Stack[int, int](
		service.Func[int, int](func(context.Context, int) (int, error) { return 0, sentinel }),
		service.BoxErr[int, int]("inner failed"),
	)
	_, err := s.Serve(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
	assert.True(t, strings.HasPrefix(err.Error(), "inner failed"))

	var e utils.ErrInErr
	assert.True(t, errors.As(err, &e))
}

func TestConsumeErr(t *testing.T) {
	s := service.Stack[int, int](
		service.Func[int, int](func(context.Context, int) (int, error) { return 7, errors.New("x") }),
		service.ConsumeErr[int, int]("consumed"),
	)
	out, err := s.Serve(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestConcurrentLimit(t *testing.T) {
	const n = 4
	type result struct {
		in  int
		err error
	}

	//每个单元由自己的 release 放行
	releases := make([]chan struct{}, n+2)
	for i := range releases {
		releases[i] = make(chan struct{})
	}
	started := make(chan int, n+2)
	results := make(chan result, n+2)

	policy := service.NewConcurrentPolicy(n, nil)
	s := service.Stack[int, int](
		service.Func[int, int](func(ctx context.Context, in int) (int, error) {
			started <- in
			<-releases[in]
			return in, nil
		}),
		service.Limit[int, int](policy),
	)
	serve := func(in int) {
		_, err := s.Serve(context.Background(), in)
		results <- result{in, err}
	}

	for i := 0; i < n; i++ {
		go serve(i)
	}
	for i := 0; i < n; i++ {
		<-started
	}
	assert.EqualValues(t, n, policy.Counter.Current())

	//第 n+1 个被拒绝, 且不会进入内层
	_, err := s.Serve(context.Background(), n)
	assert.ErrorIs(t, err, service.ErrLimitReached)
	assert.Len(t, started, 0)

	//放行一个, 之后同时来的两个中恰好一个能进入
	close(releases[0])
	r := <-results
	assert.Equal(t, 0, r.in)
	assert.NoError(t, r.err)

	go serve(n)
	go serve(n + 1)
	r = <-results
	assert.ErrorIs(t, r.err, service.ErrLimitReached)
	entered := <-started
	assert.Equal(t, n+n+1-r.in, entered)
	assert.EqualValues(t, n, policy.Counter.Current())

	for i := 1; i < len(releases); i++ {
		close(releases[i])
	}
	for i := 0; i < n; i++ {
		r = <-results
		assert.NoError(t, r.err)
	}
	assert.EqualValues(t, 0, policy.Counter.Current())
	assert.Len(t, started, 0)
}

func TestLimitReleasesOnPanic(t *testing.T) {
	policy := service.NewConcurrentPolicy(1, nil)
	s := service.Stack[int, int](
		service.Func[int, int](func(context.Context, int) (int, error) { panic("bad") }),
		service.Limit[int, int](policy),
	)
	func() {
		defer func() { recover() }()
		s.Serve(context.Background(), 1)
	}()
	assert.EqualValues(t, 0, policy.Counter.Current())
}

func TestLimitWithBackoff(t *testing.T) {
	policy := service.NewConcurrentPolicy(1, service.ExponentialBackoff{
		Min:      5 * time.Millisecond,
		Max:      20 * time.Millisecond,
		Attempts: 50,
	})

	g, err := policy.Check(context.Background())
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		g.Release()
	}()

	g2, err := policy.Check(context.Background())
	require.NoError(t, err, "backoff should retry until the slot frees")
	g2.Release()
	g2.Release()
	assert.EqualValues(t, 0, policy.Counter.Current())

	rejectPolicy := service.NewConcurrentPolicy(0, service.ExponentialBackoff{Min: time.Millisecond, Attempts: 2})
	var rejected int
	s := service.Stack[int, int](service.Identity[int](), service.LimitWithReject[int, int](rejectPolicy, func(int) { rejected++ }))
	_, err = s.Serve(context.Background(), 1)
	assert.ErrorIs(t, err, service.ErrLimitReached)
	assert.Equal(t, 1, rejected)
}

func TestExponentialBackoffDelay(t *testing.T) {
	b := service.ExponentialBackoff{Min: 10 * time.Millisecond, Max: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.Delay(0))
	assert.Equal(t, 20*time.Millisecond, b.Delay(1))
	assert.Equal(t, 35*time.Millisecond, b.Delay(2))
	assert.Equal(t, 35*time.Millisecond, b.Delay(10))
}

func TestTimeout(t *testing.T) {
	slow := service.Func[int, int](func(ctx context.Context, in int) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
			return in, nil
		}
	})
	s := service.Stack[int, int](slow, service.Timeout[int, int](20*time.Millisecond))
	start := time.Now()
	_, err := s.Serve(context.Background(), 1)
	assert.ErrorIs(t, err, service.ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	fast := service.Stack[int, int](service.Identity[int](), service.Timeout[int, int](time.Second))
	out, err := fast.Serve(context.Background(), 3)
	assert.NoError(t, err)
	assert.Equal(t, 3, out)
}
