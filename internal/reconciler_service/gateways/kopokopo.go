package gateways

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
)

// resourceStrategy locates the Incoming Payment resource inside a decoded
// payload. KopoKopo has shipped it under several envelopes over the years.
// Strategies are tried in priority order; the first one yielding a usable
// amount and till number wins.
type resourceStrategy struct {
	name    string
	resolve func(root map[string]interface{}) (map[string]interface{}, bool)
}

var kopoKopoStrategies = []resourceStrategy{
	{
		name: "event.resource",
		resolve: func(root map[string]interface{}) (map[string]interface{}, bool) {
			return digMap(root, "event", "resource")
		},
	},
	{
		name: "data.attributes.event.resource",
		resolve: func(root map[string]interface{}) (map[string]interface{}, bool) {
			return digMap(root, "data", "attributes", "event", "resource")
		},
	},
	{
		name: "data.attributes.resource",
		resolve: func(root map[string]interface{}) (map[string]interface{}, bool) {
			return digMap(root, "data", "attributes", "resource")
		},
	},
	{
		name: "top-level",
		resolve: func(root map[string]interface{}) (map[string]interface{}, bool) {
			return root, true
		},
	},
}

func digMap(m map[string]interface{}, path ...string) (map[string]interface{}, bool) {
	current := m
	for _, key := range path {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

type KopoKopoNormalizer struct {
	logger *slog.Logger
}

func NewKopoKopoNormalizer(logger *slog.Logger) *KopoKopoNormalizer {
	return &KopoKopoNormalizer{logger: logger.With("normalizer", "kopokopo")}
}

func (n *KopoKopoNormalizer) Gateway() domain.GatewayType { return domain.GatewayKopoKopo }

func decodeKopoKopo(rawPayload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(rawPayload))
	dec.UseNumber()
	var root map[string]interface{}
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return root, nil
}

// findResource runs the extraction strategies in order and returns the first
// resource carrying both an amount and a till number.
func findResource(root map[string]interface{}) (map[string]interface{}, string, error) {
	for _, strat := range kopoKopoStrategies {
		resource, ok := strat.resolve(root)
		if !ok {
			continue
		}
		till := stringField(resource, "till_number", "tillNumber")
		if _, hasAmount := resource["amount"]; hasAmount && till != "" {
			return resource, strat.name, nil
		}
	}
	return nil, "", fmt.Errorf("%w: no extraction strategy yielded amount and till number", domain.ErrMalformedPayload)
}

// ExtractTillNumber pulls the routing identifier out of the payload before
// any verification. The HMAC key is per organization, so the configuration
// lookup has to happen first.
func ExtractTillNumber(rawPayload []byte) (string, error) {
	root, err := decodeKopoKopo(rawPayload)
	if err != nil {
		return "", err
	}
	resource, _, err := findResource(root)
	if err != nil {
		return "", err
	}
	return stringField(resource, "till_number", "tillNumber"), nil
}

func (n *KopoKopoNormalizer) Normalize(rawPayload []byte) (*domain.NormalizedTransaction, error) {
	root, err := decodeKopoKopo(rawPayload)
	if err != nil {
		return nil, err
	}
	resource, stratName, err := findResource(root)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("KopoKopo resource located", "strategy", stratName)

	var amountValue interface{} = resource["amount"]
	if num, ok := amountValue.(json.Number); ok {
		amountValue = num.String()
	}
	minor, err := parseAmountMinor(amountValue)
	if err != nil {
		return nil, err
	}

	externalID := stringField(resource, "id")
	reference := strings.TrimSpace(stringField(resource, "reference"))
	if externalID == "" {
		externalID = reference
	}
	if externalID == "" {
		return nil, fmt.Errorf("%w: resource has neither id nor reference", domain.ErrMalformedPayload)
	}

	status := stringField(resource, "status")
	occurredAt := time.Now()
	if ts := stringField(resource, "origination_time", "originationTime"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			occurredAt = parsed
		} else {
			n.logger.Warn("unparseable origination_time, falling back to current time",
				"origination_time", ts, "external_id", externalID)
		}
	}

	phone := normalizePhone(stringField(resource, "sender_phone_number", "msisdn", "senderPhoneNumber"))
	if phone == "" {
		n.logger.Warn("KopoKopo payload missing sender phone, storing empty phone", "external_id", externalID)
	}

	return &domain.NormalizedTransaction{
		Gateway:           domain.GatewayKopoKopo,
		ExternalID:        externalID,
		AmountMinor:       minor,
		PayerPhone:        phone,
		Reference:         reference,
		RoutingIdentifier: stringField(resource, "till_number", "tillNumber"),
		OccurredAt:        occurredAt,
		StatusRaw:         status,
		Succeeded:         strings.EqualFold(status, "Received") || strings.EqualFold(status, "Success"),
	}, nil
}
