package config

type ServiceType string

const (
	ServiceTypeSingular  ServiceType = ""
	ServiceTypeAPI       ServiceType = "api"
	ServiceTypeScheduler ServiceType = "scheduler"
	ServiceTypeDelivery  ServiceType = "delivery"
)

func (s ServiceType) String() string {
	if s == ServiceTypeSingular {
		return "singular"
	}
	return string(s)
}

func ServiceTypeFromString(s string) (ServiceType, error) {
	switch s {
	case "":
		return ServiceTypeSingular, nil
	case "api":
		return ServiceTypeAPI, nil
	case "scheduler":
		return ServiceTypeScheduler, nil
	case "delivery":
		return ServiceTypeDelivery, nil
	}
	return ServiceTypeSingular, ErrInvalidServiceType
}

// GetService parses the configured service selector.
func (c *Config) GetService() (ServiceType, error) {
	return ServiceTypeFromString(c.Service)
}

// MustGetService returns the parsed service selector, panicking on an
// invalid value. Call after Validate.
func (c *Config) MustGetService() ServiceType {
	service, err := c.GetService()
	if err != nil {
		panic(err)
	}
	return service
}
