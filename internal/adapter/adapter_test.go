package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
)

func restRequest(method, target string, body []byte) *Request {
	return &Request{
		Api:      &gateway.Api{ID: "a1", Name: "svc", Version: "v1"},
		Upstream: "http://upstream:9000/base",
		Tail:     "/users/42",
		Body:     body,
		Client:   httptest.NewRequest(method, target, nil),
	}
}

func TestREST_Build(t *testing.T) {
	t.Parallel()
	req := restRequest(http.MethodPut, "/api/rest/svc/v1/users/42?verbose=1", nil)
	req.Client.Header.Set("X-Tenant", "acme")

	out, err := REST{}.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out.URL.String() != "http://upstream:9000/base/svc/v1/users/42?verbose=1" {
		t.Errorf("url = %s", out.URL)
	}
	if out.Method != http.MethodPut {
		t.Errorf("method = %s", out.Method)
	}
	if out.Header.Get("X-Tenant") != "acme" {
		t.Error("headers not forwarded")
	}
}

func TestREST_CreditKeyInjection(t *testing.T) {
	t.Parallel()
	req := restRequest(http.MethodGet, "/", nil)
	req.CreditHeader = "X-Partner-Key"
	req.CreditKey = "partner-secret"

	out, err := REST{}.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Header.Get("X-Partner-Key") != "partner-secret" {
		t.Error("credit key not injected")
	}
}

func TestSOAP_Build(t *testing.T) {
	t.Parallel()
	envelope := []byte(`<?xml version="1.0"?>
		<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
			<soap:Header/>
			<soap:Body><GetQuote><symbol>ACME</symbol></GetQuote></soap:Body>
		</soap:Envelope>`)

	req := restRequest(http.MethodPost, "/", envelope)
	req.Client.Header.Set("Content-Type", "application/xml")

	out, err := SOAP{}.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Header.Get("Content-Type"); got != soapContentType {
		t.Errorf("content type = %q", got)
	}
	if out.Header.Get("SOAPAction") != `""` {
		t.Errorf("SOAPAction = %q, want default empty action", out.Header.Get("SOAPAction"))
	}
}

func TestSOAP_ContentTypePreserved(t *testing.T) {
	t.Parallel()
	tests := []struct{ client, want string }{
		{"text/xml", "text/xml"},
		{"text/xml; charset=iso-8859-1", "text/xml; charset=iso-8859-1"},
		{"application/soap+xml; action=GetQuote", "application/soap+xml; action=GetQuote"},
		{"application/xml", soapContentType},
		{"text/plain", soapContentType},
		{"", soapContentType},
	}
	for _, tt := range tests {
		req := restRequest(http.MethodPost, "/", []byte(`<Envelope><Body/></Envelope>`))
		if tt.client != "" {
			req.Client.Header.Set("Content-Type", tt.client)
		}
		out, err := SOAP{}.Build(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if got := out.Header.Get("Content-Type"); got != tt.want {
			t.Errorf("client %q: content type = %q, want %q", tt.client, got, tt.want)
		}
	}
}

func TestSOAP_PreservesClientSOAPAction(t *testing.T) {
	t.Parallel()
	req := restRequest(http.MethodPost, "/", []byte(`<Envelope><Body/></Envelope>`))
	req.Client.Header.Set("SOAPAction", `"urn:GetQuote"`)

	out, err := SOAP{}.Build(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Header.Get("SOAPAction") != `"urn:GetQuote"` {
		t.Errorf("SOAPAction = %q", out.Header.Get("SOAPAction"))
	}
}

func TestSOAP_RejectsBadEnvelopes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not xml", `{"json": true}`},
		{"malformed", `<Envelope><Body></Envelope>`},
		{"wrong root", `<Request><Body/></Request>`},
		{"no body", `<Envelope><Header/></Envelope>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := restRequest(http.MethodPost, "/", []byte(tc.body))
			if _, err := (SOAP{}).Build(context.Background(), req); !errors.Is(err, gateway.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestGraphQL_Guards(t *testing.T) {
	t.Parallel()
	g := &GraphQL{MaxDepth: 3, MaxFields: 10}

	build := func(query string) error {
		body := []byte(`{"query":` + quoteJSON(query) + `}`)
		req := restRequest(http.MethodPost, "/", body)
		req.Body = body
		_, err := g.Build(context.Background(), req)
		return err
	}

	if err := build(`query { user(id: 1) { name address { city } } }`); err != nil {
		t.Errorf("reasonable query rejected: %v", err)
	}

	if err := build(`{ a { b { c { d { e } } } } }`); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("deep query err = %v, want ErrValidation", err)
	}

	wide := "{ " + strings.Repeat("f ", 20) + "}"
	if err := build(wide); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("wide query err = %v, want ErrValidation", err)
	}

	if err := build(`subscription { ticks }`); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("subscription err = %v, want ErrValidation", err)
	}

	// Braces inside strings and comments do not count.
	if err := build(`query { search(q: "{{{{nested braces}}}}") { id } } # {{{`); err != nil {
		t.Errorf("string braces counted as depth: %v", err)
	}

	if err := build(``); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("missing query err = %v, want ErrValidation", err)
	}
}

func quoteJSON(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func TestGraphQL_MapResponse(t *testing.T) {
	t.Parallel()
	g := &GraphQL{}

	// Execution errors ride in a 200, body untouched.
	payload := []byte(`{"data":null,"errors":[{"message":"boom"}]}`)
	status, body := g.MapResponse(http.StatusBadRequest, payload)
	if status != http.StatusOK || string(body) != string(payload) {
		t.Errorf("status = %d body = %s, want 200 with payload unchanged", status, body)
	}

	// Transport failures are wrapped into an errors payload carrying the
	// upstream status.
	status, body = g.MapResponse(http.StatusBadGateway, []byte("upstream down"))
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if got := gjson.GetBytes(body, "errors.0.message").Str; got != "upstream down" {
		t.Errorf("message = %q", got)
	}
	if got := gjson.GetBytes(body, "errors.0.extensions.status").Int(); got != http.StatusBadGateway {
		t.Errorf("embedded status = %d, want 502", got)
	}

	// Success passes through untouched.
	status, body = g.MapResponse(http.StatusOK, []byte(`{"data":{}}`))
	if status != http.StatusOK || string(body) != `{"data":{}}` {
		t.Errorf("status = %d body = %s", status, body)
	}
}

func TestResolvePackage(t *testing.T) {
	t.Parallel()
	pinned := &gateway.Api{Name: "orders", Version: "v2", GRPCPackage: "com.acme.orders"}
	if pkg, _ := ResolvePackage(pinned, "anything"); pkg != "com.acme.orders" {
		t.Errorf("pkg = %q, want pinned package", pkg)
	}

	allowed := &gateway.Api{Name: "orders", Version: "v2", GRPCAllowedPackages: []string{"acme.v2"}}
	if pkg, err := ResolvePackage(allowed, "acme.v2"); err != nil || pkg != "acme.v2" {
		t.Errorf("pkg = %q err = %v", pkg, err)
	}
	if _, err := ResolvePackage(allowed, "evil.pkg"); !errors.Is(err, gateway.ErrGRPCDenied) {
		t.Errorf("err = %v, want ErrGRPCDenied", err)
	}

	derived := &gateway.Api{Name: "order-svc", Version: "v2.1"}
	if pkg, _ := ResolvePackage(derived, ""); pkg != "order_svc_v2_1_pb2" {
		t.Errorf("derived pkg = %q", pkg)
	}
}

func TestCheckTarget(t *testing.T) {
	t.Parallel()
	api := &gateway.Api{
		GRPCAllowedServices: []string{"OrderService"},
		GRPCAllowedMethods:  []string{"GetOrder"},
	}
	if err := checkTarget(api, "OrderService", "GetOrder"); err != nil {
		t.Errorf("allowed target rejected: %v", err)
	}
	if err := checkTarget(api, "AdminService", "GetOrder"); !errors.Is(err, gateway.ErrGRPCDenied) {
		t.Errorf("err = %v, want ErrGRPCDenied", err)
	}
	if err := checkTarget(api, "OrderService", "DeleteAll"); !errors.Is(err, gateway.ErrGRPCDenied) {
		t.Errorf("err = %v, want ErrGRPCDenied", err)
	}
	// Empty lists admit everything.
	if err := checkTarget(&gateway.Api{}, "Any", "Thing"); err != nil {
		t.Errorf("open target rejected: %v", err)
	}
}

func TestGRPCWebFrames_RoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte{0x0a, 0x03, 'a', 'b', 'c'}

	encoded := EncodeGRPCWebResponse(payload, 0, "", "application/grpc-web+proto")
	got, err := DecodeGRPCWebFrame(encoded, "application/grpc-web+proto")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %x, want %x", got, payload)
	}

	// Text variant is base64 end to end.
	encoded = EncodeGRPCWebResponse(payload, 0, "", "application/grpc-web-text")
	got, err = DecodeGRPCWebFrame(encoded, "application/grpc-web-text")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("text payload = %x, want %x", got, payload)
	}
}

func TestDecodeGRPCWebFrame_Rejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body []byte
		ct   string
	}{
		{"truncated", []byte{0x00, 0x00}, "application/grpc-web"},
		{"trailer first", []byte{0x80, 0, 0, 0, 0}, "application/grpc-web"},
		{"length overrun", []byte{0x00, 0, 0, 0, 99, 'x'}, "application/grpc-web"},
		{"bad base64", []byte("!!!not-base64!!!"), "application/grpc-web-text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeGRPCWebFrame(tc.body, tc.ct); !errors.Is(err, gateway.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}
