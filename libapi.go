package vehiclerelay

import (
	runtimepkg "github.com/drblury/vehiclerelay/internal/runtime"
	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	idspkg "github.com/drblury/vehiclerelay/internal/runtime/ids"
	jsoncodec "github.com/drblury/vehiclerelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/vehiclerelay/internal/runtime/metadata"
	metricspkg "github.com/drblury/vehiclerelay/internal/runtime/metrics"
	"github.com/drblury/vehiclerelay/internal/runtime/normalize"
	"github.com/drblury/vehiclerelay/internal/runtime/store"
	transportpkg "github.com/drblury/vehiclerelay/internal/runtime/transport"
	newtransport "github.com/drblury/vehiclerelay/transport"
)

type (
	Config         = configpkg.Config
	EndpointConfig = configpkg.EndpointConfig
	PipelineConfig = configpkg.PipelineConfig
	StoreConfig    = configpkg.StoreConfig
	RelayConfig    = configpkg.RelayConfig

	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Bridge               = runtimepkg.Bridge
	BridgeDependencies   = runtimepkg.BridgeDependencies
	Consumer             = runtimepkg.Consumer
	ConsumerDependencies = runtimepkg.ConsumerDependencies
	ConsumerRegistration = runtimepkg.ConsumerRegistration
	StatusReport         = runtimepkg.StatusReport
	StoreProbe           = runtimepkg.StoreProbe
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	VehicleEvent     = events.VehicleEvent
	ProcessingRecord = events.ProcessingRecord
	EventStatus      = events.Status
	RelayState       = events.RelayState
	Normalizer       = normalize.Normalizer

	EventStore     = store.EventStore
	ProcessedStore = store.ProcessedStore
	StoredEvent    = store.StoredEvent

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Clock = clock.Clock

	HandlerInfo  = runtimepkg.HandlerInfo
	HandlerStats = runtimepkg.HandlerStats

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Metrics
	MetricsRegistry = metricspkg.Registry
	DLQMetrics      = metricspkg.DLQMetrics
	DLQTopicMetrics = metricspkg.DLQTopicMetrics
	DLQSnapshot     = metricspkg.DLQSnapshot

	// Error classification
	ErrorClassifier       = runtimepkg.ErrorClassifier
	ErrorCategory         = runtimepkg.ErrorCategory
	TransientIOError      = errspkg.TransientIOError
	MalformedPayloadError = errspkg.MalformedPayloadError
	DuplicateEventError   = errspkg.DuplicateEventError
	FatalConfigError      = errspkg.FatalConfigError

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

var (
	NewService  = runtimepkg.NewService
	NewBridge   = runtimepkg.NewBridge
	NewConsumer = runtimepkg.NewConsumer
	LoadConfig  = configpkg.Load

	ValidateConfig   = configpkg.ValidateConfig
	DefaultPipelines = configpkg.DefaultPipelines

	RegisterConsumer    = runtimepkg.RegisterConsumer
	PipelineHandlerName = runtimepkg.PipelineHandlerName

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks

	NewMetricsRegistry = metricspkg.New

	NewMemoryEventStore     = store.NewMemoryEventStore
	NewMemoryProcessedStore = store.NewMemoryProcessedStore

	// Transport capabilities
	GetCapabilities = transportpkg.GetCapabilities

	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	IsTransient = errspkg.IsTransient
	IsMalformed = errspkg.IsMalformed
	IsDuplicate = errspkg.IsDuplicate

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrStoreRequired        = errspkg.ErrStoreRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrParked               = errspkg.ErrParked

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	EventID    = idspkg.EventID
)

// Metadata keys carried on relayed messages.
const (
	MetadataKeyCorrelationID   = metadatapkg.KeyCorrelationID
	MetadataKeySourceMessageID = metadatapkg.KeySourceMessageID
	MetadataKeyEventID         = metadatapkg.KeyEventID
	MetadataKeyEventType       = metadatapkg.KeyEventType
	MetadataKeyRelayedAt       = metadatapkg.KeyRelayedAt
	MetadataKeyFailureReason   = metadatapkg.KeyFailureReason
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryMalformed = runtimepkg.ErrorCategoryMalformed
	ErrorCategoryTransient = runtimepkg.ErrorCategoryTransient
	ErrorCategoryTimeout   = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)
