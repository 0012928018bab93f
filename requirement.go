package x402

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
)

// Legacy challenge headers, used by resources that signal payment terms
// without a JSON body.
const (
	HeaderLegacyAmount     = "X-Payment-Amount"
	HeaderLegacyRecipient  = "X-Payment-Recipient"
	HeaderLegacyToken      = "X-Payment-Token"
	HeaderLegacyBlockchain = "X-Payment-Blockchain"
	HeaderLegacyDecimals   = "X-Payment-Decimals"
)

// ParsePaymentRequired interprets a 402 body. Only accepts[0] is honoured.
func ParsePaymentRequired(body []byte) (*Requirement, error) {
	var envelope struct {
		X402Version *int                  `json:"x402Version"`
		Accepts     []PaymentRequirements `json:"accepts"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, malformed("body", fmt.Errorf("invalid JSON: %w", err))
	}
	if envelope.X402Version == nil {
		return nil, malformed("x402Version", nil)
	}
	if *envelope.X402Version != X402Version {
		return nil, incompatible(fmt.Sprintf("unsupported x402Version %d", *envelope.X402Version))
	}
	if len(envelope.Accepts) == 0 {
		return nil, malformed("accepts", nil)
	}
	return ParseRequirements(envelope.Accepts[0])
}

// ParseRequirements validates a single accepts entry.
func ParseRequirements(w PaymentRequirements) (*Requirement, error) {
	if w.Scheme == "" {
		return nil, malformed("scheme", nil)
	}
	if w.Scheme != SchemeExact {
		return nil, incompatible(fmt.Sprintf("unsupported scheme %q", w.Scheme))
	}
	if w.Network == "" {
		return nil, malformed("network", nil)
	}
	if w.Asset == "" {
		return nil, malformed("asset", nil)
	}
	if w.MaxAmountRequired == "" {
		return nil, malformed("maxAmountRequired", nil)
	}
	amount, err := ParseAtomic(w.MaxAmountRequired)
	if err != nil {
		return nil, incompatible(err.Error())
	}
	if w.PayTo == "" {
		return nil, malformed("payTo", nil)
	}
	if w.MaxTimeoutSeconds < 0 {
		return nil, malformed("maxTimeoutSeconds", fmt.Errorf("negative value %d", w.MaxTimeoutSeconds))
	}

	decimals := DecimalsUnknown
	if v, ok := w.Extra["decimals"]; ok {
		d, err := extraInt(v)
		if err != nil || d < 0 || d > math.MaxUint8 {
			return nil, malformed("extra.decimals", err)
		}
		decimals = d
	} else if IsNativeAsset(w.Asset) {
		decimals = NativeDecimals
	} else if info, ok := LookupAsset(w.Network, w.Asset); ok {
		decimals = info.Decimals
	}

	return &Requirement{
		Scheme:            w.Scheme,
		Network:           w.Network,
		Asset:             w.Asset,
		Amount:            amount,
		Decimals:          decimals,
		Payee:             w.PayTo,
		Resource:          w.Resource,
		Description:       w.Description,
		MimeType:          w.MimeType,
		MaxTimeoutSeconds: w.MaxTimeoutSeconds,
		Extra:             w.Extra,
	}, nil
}

// ParsePaymentRequiredResponse reads the payment terms of a 402 response. The
// JSON body is preferred; a response whose body is not an x402 envelope falls
// back to the legacy X-Payment-* headers. Terms an envelope states are never
// overridden by the headers. The body is restored so the caller may read it again.
// An empty resource is filled with the request URL.
func ParsePaymentRequiredResponse(resp *http.Response) (*Requirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, malformed("status", fmt.Errorf("expected status 402, got %d", resp.StatusCode))
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, malformed("body", fmt.Errorf("failed to read response body: %w", err))
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	var req *Requirement
	var err error
	if len(bytes.TrimSpace(body)) == 0 && resp.Header.Get(HeaderLegacyAmount) != "" {
		req, err = parseLegacyHeaders(resp.Header)
	} else {
		req, err = ParsePaymentRequired(body)
		if err != nil && !isEnvelope(body) && resp.Header.Get(HeaderLegacyAmount) != "" {
			if legacy, legacyErr := parseLegacyHeaders(resp.Header); legacyErr == nil {
				req, err = legacy, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if req.Resource == "" && resp.Request != nil && resp.Request.URL != nil {
		req.Resource = resp.Request.URL.String()
	}
	return req, nil
}

// isEnvelope reports whether body is a JSON object carrying x402 fields.
func isEnvelope(body []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	_, version := probe["x402Version"]
	_, accepts := probe["accepts"]
	return version || accepts
}

func parseLegacyHeaders(h http.Header) (*Requirement, error) {
	network := h.Get(HeaderLegacyBlockchain)
	if network == "" {
		network = NetworkSolana
	}
	token := h.Get(HeaderLegacyToken)
	if token == "" {
		token = "USDC"
	}
	recipient := h.Get(HeaderLegacyRecipient)
	if recipient == "" {
		return nil, malformed(HeaderLegacyRecipient, nil)
	}

	asset := token
	decimals := DecimalsUnknown
	if info, ok := LookupAsset(network, token); ok {
		asset = info.Mint
		decimals = info.Decimals
	}
	if d := h.Get(HeaderLegacyDecimals); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 || n > math.MaxUint8 {
			return nil, malformed(HeaderLegacyDecimals, err)
		}
		decimals = n
	}
	if decimals == DecimalsUnknown {
		return nil, malformed(HeaderLegacyDecimals, fmt.Errorf("unknown token %q", token))
	}

	amount, err := FromDisplay(h.Get(HeaderLegacyAmount), decimals)
	if err != nil {
		return nil, malformed(HeaderLegacyAmount, err)
	}
	if amount.Sign() <= 0 {
		return nil, incompatible(fmt.Sprintf("amount %s is not positive", amount))
	}

	return &Requirement{
		Scheme:   SchemeExact,
		Network:  network,
		Asset:    asset,
		Amount:   amount,
		Decimals: decimals,
		Payee:    recipient,
	}, nil
}

// EncodePaymentRequired renders a 402 body for the given requirements.
func EncodePaymentRequired(reason string, accepts ...PaymentRequirements) ([]byte, error) {
	body, err := json.Marshal(PaymentRequiredResponse{
		X402Version: X402Version,
		Error:       reason,
		Accepts:     accepts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment requirements: %w", err)
	}
	return body, nil
}

func extraInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func malformed(field string, cause error) error {
	msg := fmt.Sprintf("missing or malformed field %q", field)
	if cause != nil {
		cause = fmt.Errorf("%w: %v", ErrMalformedRequirement, cause)
	} else {
		cause = ErrMalformedRequirement
	}
	return NewPaymentError(StageParse, ErrCodeInvalidRequirement, msg, false, cause)
}

func incompatible(msg string) error {
	return NewPaymentError(StageParse, ErrCodeProtocolIncompatible, msg, false, ErrProtocolIncompatible)
}
