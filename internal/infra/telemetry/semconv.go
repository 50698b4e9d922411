// Package telemetry provides OpenTelemetry setup and semantic conventions for the market service.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by market metrics.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrOperation names the ledger command or subsystem operation.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorCode carries the ledger error code on rejections.
	AttrErrorCode = attribute.Key("error.code")
	// AttrEventType labels market event metrics.
	AttrEventType = attribute.Key("event.type")
	// AttrPoolName labels database pool metrics.
	AttrPoolName = attribute.Key("pool.name")
	// AttrRoute labels HTTP metrics by route pattern.
	AttrRoute  = attribute.Key("http.route")
	AttrStatus = attribute.Key("status")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// OperationAttributes returns attributes for command metrics.
func OperationAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// RejectionAttributes returns attributes for rejected commands.
func RejectionAttributes(environment, operation, code string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrErrorCode.String(code),
	}
}

// EventAttributes returns attributes for event bus metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// PoolAttributes returns attributes for database pool metrics.
func PoolAttributes(environment, poolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPoolName.String(poolName),
	}
}

// RouteAttributes returns attributes for HTTP request metrics.
func RouteAttributes(environment, route string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRoute.String(route),
		AttrStatus.Int(status),
	}
}
