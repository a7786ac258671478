package stockmsg

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
)

// DecrementBody is the wire payload of a decrement message. Hints omit StockLogID.
type DecrementBody struct {
	ItemID     int64  `json:"itemId"`
	Amount     int    `json:"amount"`
	StockLogID string `json:"stockLogId,omitempty"`
}

func (b DecrementBody) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeDecrementBody parses a transactional body and requires the stock log id.
func DecodeDecrementBody(raw []byte) (DecrementBody, error) {
	var body DecrementBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return DecrementBody{}, fmt.Errorf("decode decrement body: %w", err)
	}
	if strings.TrimSpace(body.StockLogID) == "" {
		return DecrementBody{}, fmt.Errorf("decrement body missing stockLogId")
	}
	return body, nil
}

// ExecutionContext carries the order request to the local transaction. It is
// never persisted with the message.
type ExecutionContext struct {
	UserID     int64  `json:"userId" validate:"gte=0"`
	ItemID     int64  `json:"itemId" validate:"required,gt=0"`
	PromoID    *int64 `json:"promoId,omitempty" validate:"omitempty,gt=0"`
	Amount     int    `json:"amount"`
	StockLogID string `json:"stockLogId" validate:"required,max=64"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// Validate checks the structural fields. Amount limits belong to the order workflow.
func (e ExecutionContext) Validate() error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	if errs, ok := err.(validator.ValidationErrors); ok {
		details := make(map[string]string, len(errs))
		for _, fe := range errs {
			details[fe.Field()] = fe.Tag()
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid execution context").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid execution context")
}
