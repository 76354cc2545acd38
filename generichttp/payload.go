package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
)

// FloatT is a struct with a single float64 field, used for JSON body decoding
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, used for JSON body decoding
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, used for JSON body decoding
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, used for JSON body decoding
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload carries one value of a basic type and knows how to reply to
// an HTTP request with it, either as JSON (default) or as plain text when
// the request carries ?fmt=text
type HumanPayload struct {
	// T indicates which field below is populated
	T types.BasicKind

	// Int holds the value when T == types.Int
	Int int

	// Float holds the value when T == types.Float64
	Float float64

	// Bool holds the value when T == types.Bool
	Bool bool

	// String holds the value when T == types.String
	String string
}

// EncodeAndRespond writes the payload to w
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("fmt") == "text" {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, hp.text())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	var (
		obj interface{}
		err error
	)
	switch hp.T {
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("unknown payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	err = json.NewEncoder(w).Encode(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (hp HumanPayload) text() string {
	switch hp.T {
	case types.Int:
		return fmt.Sprintf("%d", hp.Int)
	case types.Float64:
		return fmt.Sprintf("%g", hp.Float)
	case types.Bool:
		return fmt.Sprintf("%t", hp.Bool)
	default:
		return hp.String
	}
}
