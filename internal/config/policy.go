package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	// PushPolicyDebounced coalesces mutations and pushes each affected node once.
	PushPolicyDebounced = "debounced"
	// PushPolicyImmediate pushes the affected node after every mutation.
	PushPolicyImmediate = "immediate"
	// PushPolicyManual never pushes automatically.
	PushPolicyManual = "manual"
)

const (
	RealityShowFalse = "false"
	RealityShowAuto  = "auto"
)

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("pushpolicy", validatePushPolicy); err != nil {
		panic(fmt.Sprintf("failed to register push policy validator: %v", err))
	}
	if err := validate.RegisterValidation("realityshow", validateRealityShow); err != nil {
		panic(fmt.Sprintf("failed to register reality show validator: %v", err))
	}
}

func validatePushPolicy(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case PushPolicyDebounced, PushPolicyImmediate, PushPolicyManual:
		return true
	default:
		return false
	}
}

func validateRealityShow(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case RealityShowFalse, RealityShowAuto:
		return true
	default:
		return false
	}
}
