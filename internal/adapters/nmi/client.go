package nmi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	pkghttp "github.com/kevin07696/funnel-service/pkg/http"
	"github.com/kevin07696/funnel-service/pkg/observability"
	"github.com/kevin07696/funnel-service/pkg/resilience"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the Direct Post endpoint. Test accounts use the same URL with a test key.
	DefaultBaseURL = "https://secure.nmi.com/api/transact.php"

	maxResponseBytes = 64 << 10

	operationSale        = "sale"
	operationUpdateVault = "update_vault"
)

// Config contains configuration for the Direct Post client
type Config struct {
	BaseURL     string
	SecurityKey string

	// Timeout bounds a whole gateway call including dial retries
	Timeout time.Duration

	// MaxRetries applies to dial failures only; once a request may have
	// reached the gateway it is never re-sent
	MaxRetries int

	// SendLineItems adds the item_*_N series to sales
	SendLineItems bool
}

// DefaultConfig returns the production defaults
func DefaultConfig(securityKey string) *Config {
	return &Config{
		BaseURL:       DefaultBaseURL,
		SecurityKey:   securityKey,
		Timeout:       30 * time.Second,
		MaxRetries:    2,
		SendLineItems: true,
	}
}

// Client implements ports.PaymentGateway against the Direct Post API
type Client struct {
	config         *Config
	httpClient     *http.Client
	logger         *zap.Logger
	circuitBreaker *CircuitBreaker
	backoff        resilience.BackoffStrategy
}

var _ ports.PaymentGateway = (*Client)(nil)

// NewClient creates a gateway client. A missing security key or URL is a
// configuration error.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config == nil || config.SecurityKey == "" {
		return nil, domain.NewConfigurationError("payment gateway security key is not configured")
	}
	if config.BaseURL == "" {
		return nil, domain.NewConfigurationError("payment gateway URL is not configured")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	cbConfig := DefaultCircuitBreakerConfig()
	cbConfig.IsFailure = countsAgainstGateway
	cbConfig.OnStateChange = func(from, to CircuitState) {
		observability.SetGatewayCircuitState(int(to))
		logger.Warn("Gateway circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		config:         config,
		httpClient:     pkghttp.NewHTTPClient(pkghttp.GatewayClientConfig(), config.Timeout),
		logger:         logger,
		circuitBreaker: NewCircuitBreaker(cbConfig),
		backoff:        resilience.DefaultExponentialBackoff(),
	}, nil
}

// Sale charges a payment token or a stored vault reference
func (c *Client) Sale(ctx context.Context, req *domain.ChargeRequest) (*domain.GatewayResult, error) {
	if err := req.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "invalid charge request", err)
	}

	usedVault := req.PaymentToken == ""
	c.logger.Info("Submitting gateway sale",
		zap.String("order_id", req.OrderID),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.Bool("has_payment_token", !usedVault),
		zap.Bool("has_vault_id", req.VaultID != ""),
		zap.String("vault_directive", string(req.VaultDirective)),
	)

	start := time.Now()
	resp, err := c.post(ctx, operationSale, c.buildSaleForm(req))
	if err != nil {
		observability.RecordGatewayRequest(operationSale, string(OutcomeUnavailable), time.Since(start))
		return nil, err
	}

	result, outcome, err := c.interpret(operationSale, resp, usedVault)
	observability.RecordGatewayRequest(operationSale, string(outcome), time.Since(start))
	return result, err
}

// UpdateVault replaces the card stored under a vault id
func (c *Client) UpdateVault(ctx context.Context, req *domain.VaultUpdateRequest) (*domain.GatewayResult, error) {
	if err := req.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "invalid vault update request", err)
	}

	c.logger.Info("Submitting gateway vault update", zap.String("vault_id", req.VaultID))

	start := time.Now()
	resp, err := c.post(ctx, operationUpdateVault, c.buildVaultUpdateForm(req))
	if err != nil {
		observability.RecordGatewayRequest(operationUpdateVault, string(OutcomeUnavailable), time.Since(start))
		return nil, err
	}

	// card problems on an update are about the new card, so they read as declines
	result, outcome, err := c.interpret(operationUpdateVault, resp, false)
	if err == nil && result.VaultID == "" {
		result.VaultID = req.VaultID
	}
	observability.RecordGatewayRequest(operationUpdateVault, string(outcome), time.Since(start))
	return result, err
}

// interpret maps a decoded answer onto the domain error taxonomy
func (c *Client) interpret(operation string, resp *Response, usedVault bool) (*domain.GatewayResult, Outcome, error) {
	result := resp.ToResult()
	cls := Classify(resp, usedVault)

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("outcome", string(cls.Outcome)),
		zap.String("response", resp.Response),
		zap.String("response_code", resp.ResponseCode),
		zap.String("response_text", resp.ResponseText),
		zap.String("transaction_id", resp.TransactionID),
	}
	if len(resp.Unrecognized) > 0 {
		keys := make([]string, 0, len(resp.Unrecognized))
		for k := range resp.Unrecognized {
			keys = append(keys, k)
		}
		fields = append(fields, zap.Strings("unrecognized_fields", keys))
	}

	switch cls.Outcome {
	case OutcomeApproved:
		c.logger.Info("Gateway approved transaction", fields...)
		return result, cls.Outcome, nil
	case OutcomeDuplicate:
		c.logger.Warn("Gateway reported duplicate transaction",
			append(fields, zap.String("prior_transaction_id", cls.PriorTransactionID))...)
		return result, cls.Outcome, domain.NewDuplicateError(cls.PriorTransactionID, resp.ResponseText)
	case OutcomeVaultError:
		c.logger.Warn("Gateway rejected stored payment method", fields...)
		return result, cls.Outcome, domain.NewVaultError(resp.ResponseText)
	case OutcomeUnavailable:
		c.logger.Warn("Gateway reported processor communication error", fields...)
		return result, cls.Outcome, domain.NewUnavailableError(false,
			fmt.Errorf("gateway response %s: %s", resp.ResponseCode, resp.ResponseText))
	default:
		c.logger.Info("Gateway declined transaction",
			append(fields, zap.String("category", string(cls.Category)))...)
		return result, OutcomeDeclined, domain.NewDeclinedError(cls.Category, resp.ResponseText)
	}
}

// callError carries whether the request may have reached the gateway
type callError struct {
	unconfirmed bool
	err         error
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// countsAgainstGateway keeps caller cancellations from tripping the breaker
func countsAgainstGateway(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// post sends the form through the circuit breaker. Only dial failures are
// retried; anything after that is reported as unavailable.
func (c *Client) post(ctx context.Context, operation string, form url.Values) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body := form.Encode()
	var response *Response

	err := c.circuitBreaker.Call(func() error {
		for attempt := 0; ; attempt++ {
			if attempt > 0 {
				delay := c.backoff.NextDelay(attempt - 1)
				c.logger.Info("Retrying gateway request after dial failure",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
					zap.Int("max_retries", c.config.MaxRetries),
					zap.Duration("backoff_delay", delay),
				)
				if err := resilience.Sleep(ctx, delay); err != nil {
					return &callError{err: fmt.Errorf("retry cancelled: %w", err)}
				}
			}

			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL, strings.NewReader(body))
			if err != nil {
				return &callError{err: fmt.Errorf("failed to create request: %w", err)}
			}
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			startTime := time.Now()
			httpResp, err := c.httpClient.Do(httpReq)
			if err != nil {
				if pkghttp.IsDialError(err) {
					if attempt < c.config.MaxRetries {
						c.logger.Warn("Gateway dial failed", zap.Error(err), zap.Int("attempt", attempt))
						continue
					}
					return &callError{err: fmt.Errorf("failed to connect after %d attempts: %w", attempt+1, err)}
				}
				c.logger.Error("Gateway request failed after send",
					zap.String("operation", operation),
					zap.Error(err),
					zap.Duration("elapsed", time.Since(startTime)),
				)
				return &callError{unconfirmed: true, err: fmt.Errorf("failed to send request: %w", err)}
			}

			raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
			httpResp.Body.Close()
			if err != nil {
				return &callError{unconfirmed: true, err: fmt.Errorf("failed to read response: %w", err)}
			}

			c.logger.Debug("Received gateway response",
				zap.String("operation", operation),
				zap.Int("status_code", httpResp.StatusCode),
				zap.Duration("elapsed", time.Since(startTime)),
				zap.Int("body_length", len(raw)),
			)

			if httpResp.StatusCode >= http.StatusInternalServerError {
				return &callError{err: fmt.Errorf("gateway returned HTTP %d", httpResp.StatusCode)}
			}
			if httpResp.StatusCode != http.StatusOK {
				return &callError{err: fmt.Errorf("unexpected gateway status HTTP %d", httpResp.StatusCode)}
			}

			parsed, err := DecodeResponse(raw)
			if err != nil {
				c.logger.Error("Failed to decode gateway response", zap.Error(err))
				return &callError{unconfirmed: true, err: err}
			}
			response = parsed
			return nil
		}
	})

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
			c.logger.Warn("Circuit breaker rejected gateway request",
				zap.String("operation", operation),
				zap.String("circuit_state", c.circuitBreaker.State().String()),
			)
			return nil, domain.NewUnavailableError(false, err)
		}
		var ce *callError
		if errors.As(err, &ce) {
			return nil, domain.NewUnavailableError(ce.unconfirmed, ce.err)
		}
		return nil, domain.NewUnavailableError(true, err)
	}
	return response, nil
}
