package imagedec

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/normanking/cortexlipsync/internal/imagedec"

var tracer = otel.Tracer(scopeName)
