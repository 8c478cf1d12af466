package config

// IDTemplateConfig carries the operator-facing ID pattern settings,
// mirrored into idgen at startup.
type IDTemplateConfig struct {
	DeliveryLog string `yaml:"delivery_log" env:"ID_TEMPLATE_DELIVERY_LOG" desc:"Go template for generating delivery log IDs. Available functions: uuidv4, uuidv7, nanoid. Default: '{{uuidv7}}'" required:"N"`
}
