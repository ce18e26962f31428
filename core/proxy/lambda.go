// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	lambdaevents "github.com/aws/aws-lambda-go/events"

	"github.com/relabs-tech/baasic/core/logger"
)

// LambdaHandlerFunc is the signature of an API Gateway proxy lambda
type LambdaHandlerFunc func(ctx context.Context, request lambdaevents.APIGatewayProxyRequest) (lambdaevents.APIGatewayProxyResponse, error)

// LambdaHandler returns an API Gateway handler for endpoint. It behaves like
// Server: one message per request, the reply is the response body.
// allowedOrigin is returned as Access-Control-Allow-Origin, "*" if empty.
//
// Use it with lambda.Start:
//
//	lambda.Start(proxy.LambdaHandler(endpoint, ""))
func LambdaHandler(endpoint *Endpoint, allowedOrigin string) LambdaHandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(ctx context.Context, request lambdaevents.APIGatewayProxyRequest) (lambdaevents.APIGatewayProxyResponse, error) {
		ctx, rlog := logger.ContextWithLogger(ctx)
		headers := map[string]string{
			"Access-Control-Allow-Origin":  allowedOrigin,
			"Access-Control-Allow-Methods": "POST, OPTIONS",
			"Access-Control-Allow-Headers": "Content-Type",
		}
		respond := func(status int, body string) (lambdaevents.APIGatewayProxyResponse, error) {
			return lambdaevents.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: body}, nil
		}

		switch request.HTTPMethod {
		case http.MethodOptions:
			return respond(http.StatusOK, "")
		case http.MethodPost:
		default:
			return respond(http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
		}

		data := []byte(request.Body)
		if request.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(request.Body)
			if err != nil {
				return respond(http.StatusBadRequest, err.Error())
			}
			data = decoded
		}

		reply, err := endpoint.Handle(ctx, data)
		if err != nil {
			rlog.WithError(err).Debugln("cannot handle message")
			if errors.Is(err, ErrInvalidMessage) {
				return respond(http.StatusBadRequest, err.Error())
			}
			return respond(http.StatusInternalServerError, err.Error())
		}
		if reply == nil {
			return respond(http.StatusNoContent, "")
		}
		headers["Content-Type"] = "application/json"
		return respond(http.StatusOK, string(reply))
	}
}
