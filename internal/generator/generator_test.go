package generator_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/askbase/askbase/internal/generator"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

func TestCanned_GenerateUsesContext(t *testing.T) {
	d := generator.NewCannedDriver()
	res, err := d.Generate(context.Background(), models.GenerateRequest{
		Query:   "how do I reset my password",
		Context: "[1] notes.txt\nOpen account settings and choose reset password.\n\n[2] other.txt\nUnrelated passage.",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(res.Answer, "account settings") {
		t.Errorf("Answer = %q, want it to carry the first context passage", res.Answer)
	}
	if res.Model == "" || res.Tokens == 0 {
		t.Errorf("result missing model/tokens: %+v", res)
	}
}

func TestCanned_EmptyContext(t *testing.T) {
	d := generator.NewCannedDriver()
	res, err := d.Generate(context.Background(), models.GenerateRequest{Query: "anything"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(res.Answer, "could not find") {
		t.Errorf("Answer = %q, want the no-context phrasing", res.Answer)
	}
}

func TestCanned_StreamMatchesBlocking(t *testing.T) {
	d := generator.NewCannedDriver()
	req := models.GenerateRequest{
		Query:   "q",
		Context: "The only passage in the knowledge base.",
	}

	blocking, _ := d.Generate(context.Background(), req)

	var streamed strings.Builder
	res, err := d.GenerateStream(context.Background(), req, func(token string) error {
		streamed.WriteString(token)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	if streamed.String() != blocking.Answer {
		t.Errorf("streamed %q != blocking %q", streamed.String(), blocking.Answer)
	}
	if res.Answer != blocking.Answer {
		t.Errorf("stream result %q != blocking %q", res.Answer, blocking.Answer)
	}
}

func TestCanned_StreamAbortsOnCallbackError(t *testing.T) {
	d := generator.NewCannedDriver()
	want := errors.New("client went away")
	_, err := d.GenerateStream(context.Background(), models.GenerateRequest{
		Context: "several words to stream here",
	}, func(string) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want callback error", err)
	}
}

// flakyDriver fails transiently n times, then delegates to canned.
type flakyDriver struct {
	failures int
	inner    contracts.GeneratorDriver
}

func (d *flakyDriver) Kind() string { return "flaky" }

func (d *flakyDriver) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	if d.failures > 0 {
		d.failures--
		return nil, fault.New(fault.Unavailable, "backend down")
	}
	return d.inner.Generate(ctx, req)
}

func (d *flakyDriver) GenerateStream(ctx context.Context, req models.GenerateRequest, fn contracts.StreamFunc) (*models.GenerateResult, error) {
	return d.Generate(ctx, req)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := generator.NewBreaker(&flakyDriver{failures: 100, inner: generator.NewCannedDriver()})
	ctx := context.Background()
	req := models.GenerateRequest{Context: "ctx"}

	for i := 0; i < 5; i++ {
		if _, err := b.Generate(ctx, req); err == nil {
			t.Fatalf("call %d succeeded, want failure", i)
		}
	}

	// The circuit is now open: the failure is immediate and Unavailable.
	_, err := b.Generate(ctx, req)
	if !fault.IsKind(err, fault.Unavailable) {
		t.Errorf("open-circuit error kind = %v, want unavailable", fault.KindOf(err))
	}
}

func TestBreaker_ValidationDoesNotTrip(t *testing.T) {
	calls := 0
	b := generator.NewBreaker(driverFunc(func() (*models.GenerateResult, error) {
		calls++
		return nil, fault.New(fault.Validation, "bad request")
	}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		b.Generate(ctx, models.GenerateRequest{})
	}
	if calls != 10 {
		t.Errorf("inner driver called %d times, want 10 (validation must not open the circuit)", calls)
	}
}

// driverFunc adapts a func to GeneratorDriver for small fakes.
type driverFunc func() (*models.GenerateResult, error)

func (f driverFunc) Kind() string { return "fake" }
func (f driverFunc) Generate(context.Context, models.GenerateRequest) (*models.GenerateResult, error) {
	return f()
}
func (f driverFunc) GenerateStream(_ context.Context, _ models.GenerateRequest, _ contracts.StreamFunc) (*models.GenerateResult, error) {
	return f()
}
