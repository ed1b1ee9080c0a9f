package telemetry

import (
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func serviceResource(name string) *resource.Resource {
	if name == "" {
		name = "eventhub"
	}
	return resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name))
}
