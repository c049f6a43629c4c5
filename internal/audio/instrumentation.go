package audio

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/normanking/cortexlipsync/internal/audio"

var tracer = otel.Tracer(scopeName)
