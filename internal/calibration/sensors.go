package calibration

// sourceSensorTypes maps a sensor network to the PM sensor its hardware ships with.
var sourceSensorTypes = map[string]string{
	"AQ&U":      "PMS3003",
	"Tetrad":    "PMS3003",
	"PurpleAir": "PMS5003",
}

// InferSensorType returns the assumed sensor model for a source, or "" when unknown.
func InferSensorType(source string) string {
	return sourceSensorTypes[source]
}

// ResolveSensorType prefers the reported type and falls back to the source lookup.
func ResolveSensorType(sensorType, source string) string {
	if sensorType != "" {
		return sensorType
	}
	return InferSensorType(source)
}
