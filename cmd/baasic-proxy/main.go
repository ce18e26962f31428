// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command baasic-proxy runs the proxy endpoint of the cross-origin transport
// shim next to the api.
//
// It serves one of four transports, selected with PROXY_MODE:
//
//	http    POST /proxy on PORT
//	amqp    the queue baasic-proxy on AMQP_URL
//	kafka   the topics baasic-proxy-requests / -responses on KAFKA_BROKERS
//	lambda  an AWS API Gateway lambda function
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/baasic/core/httpclient"
	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/proxy"
	"github.com/relabs-tech/baasic/core/shim"
	"github.com/relabs-tech/baasic/core/shim/amqpconn"
	"github.com/relabs-tech/baasic/core/shim/kafkaconn"
)

// Service holds the configuration for this service
type Service struct {
	Mode           string   `env:"PROXY_MODE,default=http" description:"http, amqp, kafka or lambda"`
	Port           int      `env:"PORT,default=3000" description:"the port of the http mode"`
	Origin         string   `env:"BAASIC_API_ORIGIN,required" description:"the api origin, e.g. https://api.baasic.com"`
	AllowedOrigins []string `env:"PROXY_ALLOWED_ORIGINS,optional" description:"origins allowed to post to the http mode, separated by ;"`
	AMQPURL        string   `env:"AMQP_URL,optional" description:"the url of the AMQP broker"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS,optional" description:"the kafka brokers, separated by ;"`
	LogLevel       string   `env:"BAASIC_LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLoggerWithLevel(service.LogLevel)
	rlog := logger.Default()

	endpoint, err := proxy.NewEndpoint(httpclient.NewHTTPTransport(), proxy.Options{Origin: service.Origin})
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create endpoint")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, service, endpoint); err != nil {
		rlog.WithError(err).Fatalln("proxy failed")
	}
	rlog.Infoln("proxy stopped")
}

func run(ctx context.Context, service *Service, endpoint *proxy.Endpoint) error {
	rlog := logger.Default()
	switch service.Mode {
	case "http":
		server := proxy.NewServer(endpoint, proxy.ServerOptions{AllowedOrigins: service.AllowedOrigins})
		defer server.Close()
		httpServer := &http.Server{Addr: fmt.Sprintf(":%d", service.Port), Handler: server}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
		rlog.Infof("listen on port :%d", service.Port)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil

	case "amqp":
		listener, err := amqpconn.Listen(service.AMQPURL, amqpconn.Options{})
		if err != nil {
			return err
		}
		return serve(ctx, endpoint, listener)

	case "kafka":
		listener, err := kafkaconn.Listen(kafkaconn.Options{Brokers: service.KafkaBrokers})
		if err != nil {
			return err
		}
		return serve(ctx, endpoint, listener)

	case "lambda":
		lambda.Start(proxy.LambdaHandler(endpoint, ""))
		return nil
	}
	return fmt.Errorf("unknown mode '%s'", service.Mode)
}

func serve(ctx context.Context, endpoint *proxy.Endpoint, listener shim.Listener) error {
	defer listener.Close()
	return endpoint.Serve(ctx, listener)
}
