package faucet

// Code identifies one of the closed set of request outcomes. The faucet
// endpoints always answer HTTP 200; the code in the body is the real verdict.
type Code string

const (
	CodeSuccessTransfer    Code = "SuccessTransfer"
	CodeSuccessPrecheck    Code = "SuccessPrecheck"
	CodeFailedThrottle     Code = "FailedThrottle"
	CodeFailedParams       Code = "FailedParams"
	CodeFailedInsufficient Code = "FailedInsufficient"
	CodeFailedExtrinsic    Code = "FailedExtrinsic"
	CodeFailedOther        Code = "FailedOther"
)

// Envelope is the uniform response body.
type Envelope struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Outcome is one terminal result of a claim or precheck. Each variant
// carries exactly the payload its code promises.
type Outcome interface {
	Envelope() Envelope
}

type transferData struct {
	TxHash        string `json:"txHash"`
	LastClaimMs   int64  `json:"lastClaimEpochMs"`
	CooldownHours int    `json:"cooldownHours"`
}

type throttleData struct {
	LastClaimMs   int64 `json:"lastClaimEpochMs"`
	CooldownHours int   `json:"cooldownHours"`
}

type extrinsicData struct {
	TxHash string `json:"txHash"`
}

// SuccessTransfer: the transfer finalized and the cooldown was recorded.
type SuccessTransfer struct {
	TxHash        string
	LastClaimMs   int64
	CooldownHours int
}

func (o SuccessTransfer) Envelope() Envelope {
	return Envelope{
		Code:    CodeSuccessTransfer,
		Message: "Transfer finalized",
		Data: transferData{
			TxHash:        o.TxHash,
			LastClaimMs:   o.LastClaimMs,
			CooldownHours: o.CooldownHours,
		},
	}
}

// SuccessPrecheck: the address may claim; nothing was transferred.
type SuccessPrecheck struct{}

func (SuccessPrecheck) Envelope() Envelope {
	return Envelope{Code: CodeSuccessPrecheck, Message: "Address is eligible to claim"}
}

// FailedThrottle: the cooldown window is still active for the address.
type FailedThrottle struct {
	LastClaimMs   int64
	CooldownHours int
}

func (o FailedThrottle) Envelope() Envelope {
	return Envelope{
		Code:    CodeFailedThrottle,
		Message: "Address has already claimed within the cooldown window",
		Data: throttleData{
			LastClaimMs:   o.LastClaimMs,
			CooldownHours: o.CooldownHours,
		},
	}
}

// FailedParams: the address is missing, malformed, or the chain is unknown.
type FailedParams struct {
	Reason string
}

func (o FailedParams) Envelope() Envelope {
	msg := o.Reason
	if msg == "" {
		msg = "Invalid request parameters"
	}
	return Envelope{Code: CodeFailedParams, Message: msg}
}

// FailedInsufficient: the funding account cannot cover the transfer.
type FailedInsufficient struct{}

func (FailedInsufficient) Envelope() Envelope {
	return Envelope{Code: CodeFailedInsufficient, Message: "Faucet funds are insufficient"}
}

// FailedExtrinsic: the transaction was included but rejected by the runtime,
// or the transport failed after broadcast. TxHash may be empty.
type FailedExtrinsic struct {
	TxHash string
}

func (o FailedExtrinsic) Envelope() Envelope {
	env := Envelope{Code: CodeFailedExtrinsic, Message: "Transfer was not executed by the chain"}
	if o.TxHash != "" {
		env.Data = extrinsicData{TxHash: o.TxHash}
	}
	return env
}

// FailedOther: infrastructure error. Message is safe for external eyes; the
// detailed cause stays in the logs.
type FailedOther struct {
	Message string
}

func (o FailedOther) Envelope() Envelope {
	msg := o.Message
	if msg == "" {
		msg = "Faucet is temporarily unavailable"
	}
	return Envelope{Code: CodeFailedOther, Message: msg}
}
