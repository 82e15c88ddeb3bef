package adapter

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
)

// soapContentType is the default for upstream SOAP calls; clients often post
// envelopes as application/xml or even text/plain. SOAP-native media types
// are kept as sent.
const soapContentType = "text/xml; charset=utf-8"

func upstreamSOAPContentType(client string) string {
	mt := strings.ToLower(strings.TrimSpace(client))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "text/xml", "application/soap+xml":
		return client
	}
	return soapContentType
}

// SOAP validates the envelope structure and normalizes the transport headers
// before forwarding.
type SOAP struct{}

// Build constructs the upstream request. The body must be a well-formed XML
// document containing an Envelope with a Body element.
func (SOAP) Build(ctx context.Context, req *Request) (*http.Request, error) {
	if err := checkEnvelope(req.Body); err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, http.MethodPost, req.JoinURL(), nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrUpstream, err)
	}
	out.Header = ForwardHeaders(req.Client, req.Api)
	out.Header.Set("Content-Type", upstreamSOAPContentType(req.Client.Header.Get("Content-Type")))
	if out.Header.Get("SOAPAction") == "" {
		// Many SOAP 1.1 servers require the header even when empty.
		out.Header.Set("SOAPAction", `""`)
	}
	req.applyCredit(out.Header)
	return out, nil
}

// checkEnvelope walks the XML token stream and requires the SOAP
// Envelope/Body nesting. Namespace prefixes vary per client, so only local
// names are compared.
func checkEnvelope(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return gateway.Errf(gateway.ErrValidation, "empty SOAP request body")
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	depth := 0
	sawEnvelope := false
	sawBody := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return gateway.Errf(gateway.ErrValidation, "malformed XML: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			local := strings.ToLower(t.Name.Local)
			if depth == 1 {
				if local != "envelope" {
					return gateway.Errf(gateway.ErrValidation, "root element must be Envelope, got %s", t.Name.Local)
				}
				sawEnvelope = true
			}
			if depth == 2 && local == "body" {
				sawBody = true
			}
		case xml.EndElement:
			depth--
		}
	}
	if !sawEnvelope || !sawBody {
		return gateway.Errf(gateway.ErrValidation, "SOAP envelope is missing a Body element")
	}
	return nil
}
