package panel

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ErrInvalidInput matches every InputError.
var ErrInvalidInput = errors.New("invalid input")

// InputError is a request that failed validation before touching the store.
type InputError struct {
	Fields []string
	Reason string
}

func (e *InputError) Error() string {
	if len(e.Fields) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", strings.Join(e.Fields, ", "), e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func validateInput(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &InputError{Reason: err.Error()}
	}
	inputErr := &InputError{Reason: "failed validation"}
	for _, fe := range validationErrors {
		inputErr.Fields = append(inputErr.Fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return inputErr
}

type NodeInput struct {
	Name    string `json:"name" validate:"required,max=64"`
	URL     string `json:"url" validate:"required,url"`
	NodeKey string `json:"node_key"`
}

type NodePatch struct {
	Name    *string `json:"name" validate:"omitempty,min=1,max=64"`
	URL     *string `json:"url" validate:"omitempty,url"`
	NodeKey *string `json:"node_key"`
}

type InboundInput struct {
	NodeID             int64  `json:"node_id" validate:"required"`
	Name               string `json:"name" validate:"required,max=64"`
	Address            string `json:"address"`
	Listen             string `json:"listen" validate:"omitempty,ip"`
	Port               int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Protocol           string `json:"protocol"`
	Network            string `json:"network" validate:"omitempty,oneof=tcp ws grpc http"`
	Security           string `json:"security"`
	SNI                string `json:"sni"`
	RealityDest        string `json:"reality_dest" validate:"omitempty,hostname_port"`
	RealityFingerprint string `json:"reality_fingerprint"`
}

type InboundPatch struct {
	Name               *string `json:"name" validate:"omitempty,min=1,max=64"`
	Address            *string `json:"address"`
	Listen             *string `json:"listen" validate:"omitempty,ip"`
	Port               *int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Protocol           *string `json:"protocol"`
	Network            *string `json:"network" validate:"omitempty,oneof=tcp ws grpc http"`
	Security           *string `json:"security"`
	SNI                *string `json:"sni"`
	RealityDest        *string `json:"reality_dest" validate:"omitempty,hostname_port"`
	RealityFingerprint *string `json:"reality_fingerprint"`
}

type ClientInput struct {
	InboundID int64  `json:"inbound_id" validate:"required"`
	Username  string `json:"username" validate:"required,max=64"`
	UUID      string `json:"uuid" validate:"omitempty,uuid"`
	Level     int    `json:"level" validate:"min=0"`
}

type ClientPatch struct {
	Username *string `json:"username" validate:"omitempty,min=1,max=64"`
	Level    *int    `json:"level" validate:"omitempty,min=0"`
}
