package fallback

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "ai-speech-failover-service/internal/service/fallback"

var tracer = otel.Tracer(scopeName)
