package nmi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kevin07696/funnel-service/internal/domain"
)

// ErrMalformedResponse is returned when the gateway body is not a valid answer
var ErrMalformedResponse = errors.New("malformed gateway response")

// Response is the decoded Direct Post answer
type Response struct {
	Response        string // 1 approved, 2 declined, 3 error
	ResponseText    string
	AuthCode        string
	TransactionID   string
	AVSResponse     string
	CVVResponse     string
	OrderID         string
	Type            string
	ResponseCode    string
	CustomerVaultID string

	// Unrecognized keeps fields this client does not model yet
	Unrecognized map[string]string
	Raw          string
}

var responseFields = map[string]func(r *Response, v string){
	"response":          func(r *Response, v string) { r.Response = v },
	"responsetext":      func(r *Response, v string) { r.ResponseText = v },
	"authcode":          func(r *Response, v string) { r.AuthCode = v },
	"transactionid":     func(r *Response, v string) { r.TransactionID = v },
	"avsresponse":       func(r *Response, v string) { r.AVSResponse = v },
	"cvvresponse":       func(r *Response, v string) { r.CVVResponse = v },
	"orderid":           func(r *Response, v string) { r.OrderID = v },
	"type":              func(r *Response, v string) { r.Type = v },
	"response_code":     func(r *Response, v string) { r.ResponseCode = v },
	"customer_vault_id": func(r *Response, v string) { r.CustomerVaultID = v },
}

// DecodeResponse parses a URL-encoded key/value body
func DecodeResponse(body []byte) (*Response, error) {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}

	params, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	resp := &Response{Raw: raw}
	for key, values := range params {
		value := ""
		if len(values) > 0 {
			value = values[0]
		}
		if set, ok := responseFields[strings.ToLower(key)]; ok {
			set(resp, value)
			continue
		}
		if resp.Unrecognized == nil {
			resp.Unrecognized = make(map[string]string)
		}
		resp.Unrecognized[key] = value
	}

	switch resp.Response {
	case "1", "2", "3":
	default:
		return nil, fmt.Errorf("%w: response=%q", ErrMalformedResponse, resp.Response)
	}
	return resp, nil
}

// Approved reports whether the gateway approved the transaction
func (r *Response) Approved() bool {
	return r.ResponseCode == "100"
}

// ToResult converts the wire response into the domain result
func (r *Response) ToResult() *domain.GatewayResult {
	return &domain.GatewayResult{
		Approved:      r.Approved(),
		TransactionID: r.TransactionID,
		AuthCode:      r.AuthCode,
		VaultID:       r.CustomerVaultID,
		AVSResponse:   r.AVSResponse,
		CVVResponse:   r.CVVResponse,
		Response:      r.Response,
		ResponseCode:  r.ResponseCode,
		ResponseText:  r.ResponseText,
		OrderID:       r.OrderID,
		Unrecognized:  r.Unrecognized,
		Raw:           r.Raw,
	}
}
