package config

import (
	"fmt"
	"sort"
)

// DefaultTrackingConfig returns a config with every field populated with its
// default value. It is equivalent to the maritime_standard preset.
func DefaultTrackingConfig() *TrackingConfig {
	e := EmptyTrackingConfig()
	return &TrackingConfig{
		NInit:                   ptrInt(e.GetNInit()),
		MaxAge:                  ptrInt(e.GetMaxAge()),
		LostTTL:                 ptrInt(e.GetLostTTL()),
		ConfThreshold:           ptrFloat64(e.GetConfThreshold()),
		MovementThresholdPx:     ptrFloat64(e.GetMovementThresholdPx()),
		GhostDistancePx:         ptrFloat64(e.GetGhostDistancePx()),
		GhostMinMissed:          ptrInt(e.GetGhostMinMissed()),
		ReassociationDistancePx: ptrFloat64(e.GetReassociationDistancePx()),
		ProcessNoisePos:         ptrFloat64(e.GetProcessNoisePos()),
		ProcessNoiseVel:         ptrFloat64(e.GetProcessNoiseVel()),
		MeasurementNoisePos:     ptrFloat64(e.GetMeasurementNoisePos()),
		MeasurementNoiseSize:    ptrFloat64(e.GetMeasurementNoiseSize()),

		AlternatingEnabled:     ptrBool(e.GetAlternatingEnabled()),
		PrioritySwitching:      ptrBool(e.GetPrioritySwitching()),
		PrimaryFollowTime:      ptrString(e.GetPrimaryFollowTime().String()),
		SecondaryFollowTime:    ptrString(e.GetSecondaryFollowTime().String()),
		MinSwitchInterval:      ptrString(e.GetMinSwitchInterval().String()),
		MaxSwitchInterval:      ptrString(e.GetMaxSwitchInterval().String()),
		SwitchHysteresis:       ptrFloat64(e.GetSwitchHysteresis()),
		ConfidenceWeight:       ptrFloat64(e.GetConfidenceWeight()),
		MovementWeight:         ptrFloat64(e.GetMovementWeight()),
		SizeWeight:             ptrFloat64(e.GetSizeWeight()),
		ProximityWeight:        ptrFloat64(e.GetProximityWeight()),
		MinConfidenceThreshold: ptrFloat64(e.GetMinConfidenceThreshold()),
		MaxObjectsToTrack:      ptrInt(e.GetMaxObjectsToTrack()),
		ObjectLifetime:         ptrString(e.GetObjectLifetime().String()),
		MinObjectSize:          ptrFloat64(e.GetMinObjectSize()),
		MaxObjectSize:          ptrFloat64(e.GetMaxObjectSize()),
		PositionHistoryLength:  ptrInt(e.GetPositionHistoryLength()),
		PredictionEnabled:      ptrBool(e.GetPredictionEnabled()),
		PredictionTime:         ptrString(e.GetPredictionTime().String()),

		AutoZoomEnabled:   ptrBool(e.GetAutoZoomEnabled()),
		TargetObjectRatio: ptrFloat64(e.GetTargetObjectRatio()),
		ZoomSpeed:         ptrFloat64(e.GetZoomSpeed()),
		MinZoomLevel:      ptrFloat64(e.GetMinZoomLevel()),
		MaxZoomLevel:      ptrFloat64(e.GetMaxZoomLevel()),
		ZoomTolerance:     ptrFloat64(e.GetZoomTolerance()),

		MaxPanSpeed:       ptrFloat64(e.GetMaxPanSpeed()),
		MaxTiltSpeed:      ptrFloat64(e.GetMaxTiltSpeed()),
		MovementSmoothing: ptrFloat64(e.GetMovementSmoothing()),
		UseAbsoluteMove:   ptrBool(e.GetUseAbsoluteMove()),
		AbsoluteStep:      ptrFloat64(e.GetAbsoluteStep()),
		MovePulse:         ptrString(e.GetMovePulse().String()),
		ControlInterval:   ptrString(e.GetControlInterval().String()),
		ActuatorTimeout:   ptrString(e.GetActuatorTimeout().String()),
		PoseRefreshCycles: ptrInt(e.GetPoseRefreshCycles()),

		SearchThreshold:  ptrInt(e.GetSearchThreshold()),
		RecoverThreshold: ptrInt(e.GetRecoverThreshold()),
		SearchZoomStep:   ptrFloat64(e.GetSearchZoomStep()),

		QueueSize:    ptrInt(e.GetQueueSize()),
		SessionInbox: ptrInt(e.GetSessionInbox()),
		StopTimeout:  ptrString(e.GetStopTimeout().String()),
	}
}

// Preset names.
const (
	PresetMaritimeStandard    = "maritime_standard"
	PresetMaritimeFast        = "maritime_fast"
	PresetSurveillancePrecise = "surveillance_precise"
	PresetSingleObject        = "single_object"
)

var presets = map[string]*TrackingConfig{
	PresetMaritimeStandard: {},
	PresetMaritimeFast: {
		PrimaryFollowTime:   ptrString("3s"),
		SecondaryFollowTime: ptrString("2s"),
		TargetObjectRatio:   ptrFloat64(0.3),
		ConfidenceWeight:    ptrFloat64(0.3),
		MovementWeight:      ptrFloat64(0.5),
		SizeWeight:          ptrFloat64(0.1),
		ProximityWeight:     ptrFloat64(0.1),
		MaxObjectsToTrack:   ptrInt(4),
		ZoomSpeed:           ptrFloat64(0.5),
	},
	PresetSurveillancePrecise: {
		PrimaryFollowTime:      ptrString("8s"),
		SecondaryFollowTime:    ptrString("4s"),
		TargetObjectRatio:      ptrFloat64(0.4),
		ConfidenceWeight:       ptrFloat64(0.6),
		MovementWeight:         ptrFloat64(0.2),
		SizeWeight:             ptrFloat64(0.1),
		ProximityWeight:        ptrFloat64(0.1),
		MinConfidenceThreshold: ptrFloat64(0.7),
		MaxObjectsToTrack:      ptrInt(2),
		ZoomSpeed:              ptrFloat64(0.2),
		UseAbsoluteMove:        ptrBool(true),
	},
	PresetSingleObject: {
		AlternatingEnabled: ptrBool(false),
		PrioritySwitching:  ptrBool(false),
		TargetObjectRatio:  ptrFloat64(0.35),
		ConfidenceWeight:   ptrFloat64(0.5),
		MovementWeight:     ptrFloat64(0.3),
		SizeWeight:         ptrFloat64(0.2),
		MaxObjectsToTrack:  ptrInt(1),
		UseAbsoluteMove:    ptrBool(true),
	},
}

// Preset returns a fully populated config for the named preset.
func Preset(name string) (*TrackingConfig, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q (have %v)", name, PresetNames())
	}
	return DefaultTrackingConfig().Merge(p)
}

// PresetNames lists the available presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
