package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

type callbackEnvelope struct {
	RequestID         string `json:"request_id"`
	ResultCode        *int64 `json:"result_code"`
	ResultDescription string `json:"result_description"`
}

// ParseCallback classifies a raw webhook body into a GatewayResult. It fails
// closed: missing correlation id, missing result code or undecodable JSON all
// parse as ResultMalformed, never as success or failure.
func ParseCallback(payload []byte) GatewayResult {
	result := GatewayResult{Kind: ResultMalformed, Raw: payload}

	var env callbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return result
	}

	env.RequestID = strings.TrimSpace(env.RequestID)
	if env.RequestID == "" || env.ResultCode == nil {
		return result
	}

	result.GatewayRequestID = env.RequestID
	result.Code = strconv.FormatInt(*env.ResultCode, 10)
	result.Description = env.ResultDescription
	if *env.ResultCode == 0 {
		result.Kind = ResultSuccess
	} else {
		result.Kind = ResultFailure
	}
	return result
}
