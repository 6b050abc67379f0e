// Package convtypes defines core architectural interfaces for the conversation core.
package convtypes

// Service is implemented by every registrable service. Services are initialized
// once at startup and looked up by name afterwards.
type Service interface {
	Name() string
	Initialize() error
}

// ServiceRegistry manages registration and retrieval of services.
type ServiceRegistry interface {
	GetService(name string) (Service, error)
	RegisterService(service Service) error
}
