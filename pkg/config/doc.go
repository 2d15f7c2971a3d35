// Package config loads the kiosk configuration: actuator identifiers,
// detection thresholds, timing constants standing in for mechanical motion,
// weight calibration coefficients and service endpoints. The YAML file is
// decoded on top of [Default], so a config only needs to list what differs
// from the factory settings.
package config
