package billing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// PurchasePayload is the raw webhook body: values may be strings (form
// encoding) or native JSON types. Nested maps may also arrive flattened as
// "url_params[key]" / "custom_fields[key]" entries.
type PurchasePayload map[string]any

// UserIDParam is the url_params / custom_fields key that links a purchase to a user.
const UserIDParam = "user_id"

// SellerID returns the raw seller id, used for the authorization check
// before any other field is parsed.
func (p PurchasePayload) SellerID() string {
	s, _ := p.str("seller_id")
	return s
}

// NormalizePurchase coerces a payload into a PurchaseRecord with a fresh id.
func NormalizePurchase(p PurchasePayload) (PurchaseRecord, error) {
	var errs []string
	fail := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	required := func(key string) string {
		s, err := p.str(key)
		if err != nil {
			fail("%s: %v", key, err)
		} else if s == "" {
			fail("%s is required", key)
		}
		return s
	}
	integer := func(key string, def int64, mandatory bool) int64 {
		v, ok := p.lookup(key)
		if !ok || v == nil || v == "" {
			if mandatory {
				fail("%s is required", key)
			}
			return def
		}
		n, err := toInt64(v)
		if err != nil {
			fail("%s: not an integer: %v", key, v)
		}
		return n
	}
	flag := func(key string) bool {
		v, ok := p.lookup(key)
		if !ok || v == nil || v == "" {
			return false
		}
		b, err := cast.ToBoolE(v)
		if err != nil {
			fail("%s: not a boolean: %v", key, v)
		}
		return b
	}
	optional := func(keys ...string) string {
		for _, k := range keys {
			if s, err := p.str(k); err == nil && s != "" {
				return s
			}
		}
		return ""
	}

	rec := PurchaseRecord{
		ID:                   uuid.New().String(),
		SellerID:             required("seller_id"),
		SaleID:               required("sale_id"),
		ProductID:            required("product_id"),
		ProductName:          optional("product_name"),
		ProductPermalink:     optional("product_permalink", "permalink"),
		ShortProductID:       optional("short_product_id"),
		Price:                integer("price", 0, true),
		Quantity:             integer("quantity", 1, false),
		Currency:             strings.ToLower(optional("currency")),
		FeeCents:             integer("gumroad_fee", 0, false),
		AffiliateCreditCents: integer("affiliate_credit_amount_cents", 0, false),
		Affiliate:            optional("affiliate"),
		DiscoverFeeCharged:   flag("discover_fee_charged"),
		Email:                optional("email"),
		LicenseKey:           optional("license_key"),
		IPCountry:            optional("ip_country"),
		Referrer:             optional("referrer"),
		IsTest:               flag("test"),
		IsPreorder:           flag("is_preorder_authorization"),
		Refunded:             flag("refunded"),
		CreatedAt:            time.Now().UTC(),
	}

	rec.SaleTimestamp = rec.CreatedAt
	if v, ok := p.lookup("sale_timestamp"); ok && v != nil && v != "" {
		ts, err := cast.ToTimeE(v)
		if err != nil {
			fail("sale_timestamp: %v", err)
		} else {
			rec.SaleTimestamp = ts.UTC()
		}
	}

	var err error
	if rec.URLParams, err = p.nested("url_params"); err != nil {
		fail("url_params: %v", err)
	}
	if rec.CustomFields, err = p.nested("custom_fields"); err != nil {
		fail("custom_fields: %v", err)
	}

	if rec.Price < 0 {
		fail("price must be non-negative")
	}
	if rec.Quantity < 1 {
		fail("quantity must be at least 1")
	}

	for _, m := range []map[string]string{rec.URLParams, rec.CustomFields} {
		if id := strings.TrimSpace(m[UserIDParam]); id != "" {
			rec.UserID = &id
			break
		}
	}

	if len(errs) > 0 {
		return PurchaseRecord{}, fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(errs, "; "))
	}
	return rec, nil
}

// toInt64 reads strings as base-10 so zero-padded form values keep their
// decimal value. Floats must be whole.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseInt(x, 10, 64)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("fractional value %v", x)
		}
	case float32:
		if f := float64(x); f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("fractional value %v", x)
		}
	}
	return cast.ToInt64E(v)
}

func (p PurchasePayload) lookup(key string) (any, bool) {
	v, ok := p[key]
	if s, isStr := v.(string); isStr {
		v = strings.TrimSpace(s)
	}
	return v, ok
}

func (p PurchasePayload) str(key string) (string, error) {
	v, ok := p.lookup(key)
	if !ok || v == nil {
		return "", nil
	}
	s, err := cast.ToStringE(v)
	return strings.TrimSpace(s), err
}

// nested merges a native map under key with any flattened "key[sub]" entries.
func (p PurchasePayload) nested(key string) (map[string]string, error) {
	out := map[string]string{}
	if v, ok := p[key]; ok && v != nil && v != "" {
		m, err := cast.ToStringMapStringE(v)
		if err != nil {
			return nil, err
		}
		for k, val := range m {
			out[k] = val
		}
	}

	prefix := key + "["
	for k, v := range p {
		if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, "]") {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k[len(prefix):len(k)-1]] = s
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
