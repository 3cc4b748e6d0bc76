package helpers

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const FakeSecretKey = "sk_test_e2e"

// FakePaystack answers the two transaction endpoints over an in-memory
// listener. Charges start abandoned until Pay or Decline is called.
type FakePaystack struct {
	mu      sync.Mutex
	charges map[string]string
	Calls   atomic.Int32
	ln      *fasthttputil.InmemoryListener
}

func NewFakePaystack(t *testing.T) *FakePaystack {
	f := &FakePaystack{
		charges: make(map[string]string),
		ln:      fasthttputil.NewInmemoryListener(),
	}
	server := &fasthttp.Server{Handler: f.handle}
	go func() { _ = server.Serve(f.ln) }()
	t.Cleanup(func() { _ = f.ln.Close() })
	return f
}

func (f *FakePaystack) Pay(ref string) {
	f.set(ref, gateway.StatusSuccess)
}

func (f *FakePaystack) Decline(ref string) {
	f.set(ref, gateway.StatusFailed)
}

func (f *FakePaystack) set(ref, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[ref] = status
}

func (f *FakePaystack) Client(t *testing.T) *gateway.Client {
	client, err := gateway.NewClient(&gateway.Config{
		SecretKey:               FakeSecretKey,
		Currency:                "GHS",
		CallbackURL:             "https://donate.test/api/v1/payments/callback",
		Providers:               []gateway.ProviderConfig{{Name: "primary", URL: "http://paystack.test", Weight: 100}},
		Timeout:                 2 * time.Second,
		MaxRetries:              1,
		RetryDelay:              5 * time.Millisecond,
		CircuitBreakerThreshold: 50,
		CircuitBreakerTimeout:   time.Second,
		Dial: func(string) (net.Conn, error) {
			return f.ln.Dial()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func (f *FakePaystack) handle(ctx *fasthttp.RequestCtx) {
	f.Calls.Add(1)
	ctx.SetContentType("application/json")

	if string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)) != "Bearer "+FakeSecretKey {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString(`{"status":false,"message":"Invalid key"}`)
		return
	}

	path := string(ctx.Path())
	switch {
	case path == "/transaction/initialize":
		var req struct {
			Reference string `json:"reference"`
		}
		_ = json.Unmarshal(ctx.PostBody(), &req)
		f.mu.Lock()
		if _, ok := f.charges[req.Reference]; !ok {
			f.charges[req.Reference] = gateway.StatusAbandoned
		}
		f.mu.Unlock()
		writeFakeJSON(ctx, map[string]interface{}{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]string{
				"authorization_url": "https://checkout.test/" + req.Reference,
				"access_code":       "ac_" + req.Reference,
				"reference":         req.Reference,
			},
		})

	case strings.HasPrefix(path, "/transaction/verify/"):
		ref := strings.TrimPrefix(path, "/transaction/verify/")
		f.mu.Lock()
		status, ok := f.charges[ref]
		f.mu.Unlock()
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString(`{"status":false,"message":"Transaction reference not found"}`)
			return
		}
		writeFakeJSON(ctx, map[string]interface{}{
			"status":  true,
			"message": "Verification successful",
			"data": map[string]string{
				"status":           status,
				"reference":        ref,
				"gateway_response": status,
			},
		})

	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func writeFakeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
