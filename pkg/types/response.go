package types

type SuccessEnvelope struct {
	Data any `json:"data"`
}

// Applied is the payload of every conditional dispatch operation.
type Applied struct {
	Applied bool `json:"applied"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
