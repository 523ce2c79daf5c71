package config

const (
	// TopicTaxCompute is the NSQ topic for asynchronous regime computations.
	TopicTaxCompute = "tax.compute"
)
