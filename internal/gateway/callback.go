package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FlexString decodes a JSON string, number or boolean as text. The gateway is
// not consistent about quoting amounts, ids and method codes.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

func (f FlexString) String() string { return string(f) }

type Callback struct {
	Status   bool             `json:"status"`
	Code     FlexString       `json:"code"`
	Message  string           `json:"message"`
	Response CallbackResponse `json:"response"`

	MerchantRefNo        FlexString `json:"merchantRefNo"`
	OrderReferenceNumber FlexString `json:"orderReferenceNumber"`
	Variable1            FlexString `json:"variable1"`
	OrderReferenceNo     FlexString `json:"orderReferenceNo"`
}

type CallbackResponse struct {
	ResultCode           FlexString `json:"resultCode"`
	Amount               FlexString `json:"amount"`
	PaymentToken         FlexString `json:"paymentToken"`
	PaymentID            FlexString `json:"paymentId"`
	PaidOn               FlexString `json:"paidOn"`
	MerchantRefNo        FlexString `json:"merchantRefNo"`
	OrderReferenceNumber FlexString `json:"orderReferenceNumber"`
	Variable1            FlexString `json:"variable1"`
	OrderReferenceNo     FlexString `json:"orderReferenceNo"`
	Auth                 FlexString `json:"auth"`
	TrackID              FlexString `json:"trackID"`
	TransactionID        FlexString `json:"transactionId"`
	ID                   FlexString `json:"Id"`
	BankReferenceID      FlexString `json:"bankReferenceId"`
	Method               FlexString `json:"method"`
}

// Reference returns the merchant reference echoed by the gateway. The same value is
// sent in three fields on checkout and the gateway does not always return the same
// one, so the lookup order is: merchantRefNo, orderReferenceNumber, variable1,
// orderReferenceNo, first inside "response" and then at the top level.
func (c *Callback) Reference() string {
	candidates := []FlexString{
		c.Response.MerchantRefNo,
		c.Response.OrderReferenceNumber,
		c.Response.Variable1,
		c.Response.OrderReferenceNo,
		c.MerchantRefNo,
		c.OrderReferenceNumber,
		c.Variable1,
		c.OrderReferenceNo,
	}
	for _, v := range candidates {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}

// Captured is true only for status=true with result code CAPTURED.
func (c *Callback) Captured() bool {
	return c.Status && string(c.Response.ResultCode) == "CAPTURED"
}
