package ifc

import (
	"strings"

	"github.com/hyperjump/bimingest/internal/models"
)

// elementTypes are the physical element classes extracted as entities.
// Anything else contained in the spatial structure is accepted too, unless excluded.
var elementTypes = []string{
	// built elements
	"IfcWall", "IfcWallStandardCase", "IfcWallElementedCase", "IfcCurtainWall",
	"IfcSlab", "IfcSlabStandardCase", "IfcSlabElementedCase", "IfcRoof",
	"IfcBeam", "IfcBeamStandardCase", "IfcColumn", "IfcColumnStandardCase",
	"IfcMember", "IfcMemberStandardCase", "IfcPlate", "IfcPlateStandardCase",
	"IfcDoor", "IfcDoorStandardCase", "IfcWindow", "IfcWindowStandardCase",
	"IfcStair", "IfcStairFlight", "IfcRamp", "IfcRampFlight", "IfcRailing",
	"IfcCovering", "IfcFooting", "IfcPile", "IfcChimney", "IfcShadingDevice",
	"IfcBuildingElementProxy", "IfcBuildingElementPart", "IfcBuildingElement",
	"IfcBuiltElement", "IfcElementAssembly", "IfcCourse", "IfcKerb",
	"IfcPavement", "IfcBearing", "IfcDeepFoundation", "IfcCaissonFoundation",
	"IfcRail", "IfcTrackElement", "IfcSign", "IfcSignal",
	// furnishing and components
	"IfcFurnishingElement", "IfcFurniture", "IfcSystemFurnitureElement",
	"IfcTransportElement", "IfcDiscreteAccessory", "IfcFastener",
	"IfcMechanicalFastener", "IfcReinforcingBar", "IfcReinforcingMesh",
	"IfcTendon", "IfcTendonAnchor", "IfcGeographicElement", "IfcCivilElement",
	"IfcEquipmentElement", "IfcElectricalElement",
	// distribution
	"IfcDistributionElement", "IfcDistributionControlElement",
	"IfcDistributionFlowElement", "IfcFlowSegment", "IfcFlowFitting",
	"IfcFlowTerminal", "IfcFlowController", "IfcFlowMovingDevice",
	"IfcFlowStorageDevice", "IfcFlowTreatmentDevice", "IfcEnergyConversionDevice",
	"IfcDuctSegment", "IfcDuctFitting", "IfcDuctSilencer", "IfcPipeSegment",
	"IfcPipeFitting", "IfcCableSegment", "IfcCableCarrierSegment",
	"IfcCableFitting", "IfcCableCarrierFitting", "IfcAirTerminal",
	"IfcAirTerminalBox", "IfcSanitaryTerminal", "IfcLightFixture", "IfcLamp",
	"IfcOutlet", "IfcValve", "IfcDamper", "IfcPump", "IfcFan", "IfcBoiler",
	"IfcChiller", "IfcCoil", "IfcSpaceHeater", "IfcUnitaryEquipment", "IfcTank",
	"IfcSensor", "IfcActuator", "IfcAlarm", "IfcController",
	"IfcFireSuppressionTerminal", "IfcElectricDistributionBoard",
	"IfcElectricDistributionPoint", "IfcElectricAppliance",
	"IfcSwitchingDevice", "IfcProtectiveDevice", "IfcJunctionBox",
}

var containerKinds = map[string]models.ContainerKind{
	"IFCPROJECT":        models.ContainerProject,
	"IFCSITE":           models.ContainerSite,
	"IFCBUILDING":       models.ContainerBuilding,
	"IFCBUILDINGSTOREY": models.ContainerStorey,
	"IFCSPACE":          models.ContainerSpace,
	"IFCFACILITY":       models.ContainerFacility,
	"IFCBRIDGE":         models.ContainerFacility,
	"IFCROAD":           models.ContainerFacility,
	"IFCRAILWAY":        models.ContainerFacility,
	"IFCMARINEFACILITY": models.ContainerFacility,
	"IFCFACILITYPART":   models.ContainerPart,
	"IFCBRIDGEPART":     models.ContainerPart,
	"IFCROADPART":       models.ContainerPart,
	"IFCRAILWAYPART":    models.ContainerPart,
	"IFCMARINEPART":     models.ContainerPart,
}

// systemTypes are groupings counted as systems on the model.
var systemTypes = []string{
	"IFCSYSTEM", "IFCDISTRIBUTIONSYSTEM", "IFCDISTRIBUTIONCIRCUIT",
	"IFCBUILDINGSYSTEM", "IFCBUILTSYSTEM",
}

// excluded are never entities, even when a tool lists them as contained.
var excluded = map[string]bool{
	"IFCANNOTATION":             true,
	"IFCGRID":                   true,
	"IFCGROUP":                  true,
	"IFCZONE":                   true,
	"IFCSPATIALZONE":            true,
	"IFCEXTERNALSPATIALELEMENT": true,
	"IFCDISTRIBUTIONPORT":       true,
	"IFCPORT":                   true,
	"IFCALIGNMENT":              true,
	"IFCREFERENT":               true,
	"IFCVIRTUALELEMENT":         true,
	"IFCOPENINGELEMENT":         true,
	"IFCOPENINGSTANDARDCASE":    true,
	"IFCVOIDINGFEATURE":         true,
}

var (
	isElement = make(map[string]bool)
	display   = make(map[string]string)
)

func init() {
	for _, t := range elementTypes {
		up := strings.ToUpper(t)
		isElement[up] = true
		display[up] = t
	}
	for _, t := range []string{
		"IfcProject", "IfcSite", "IfcBuilding", "IfcBuildingStorey", "IfcSpace",
		"IfcFacility", "IfcBridge", "IfcRoad", "IfcRailway", "IfcMarineFacility",
		"IfcFacilityPart", "IfcBridgePart", "IfcRoadPart", "IfcRailwayPart",
		"IfcMarinePart", "IfcSystem", "IfcDistributionSystem",
		"IfcDistributionCircuit", "IfcBuildingSystem", "IfcBuiltSystem",
	} {
		display[strings.ToUpper(t)] = t
	}
	for _, t := range systemTypes {
		excluded[t] = true
	}
	for t := range containerKinds {
		excluded[t] = true
	}
}

// DisplayName turns an upper-case STEP type into its schema spelling,
// e.g. IFCWALLSTANDARDCASE -> IfcWallStandardCase. Types outside the
// built-in tables keep only the Ifc prefix capitalized.
func DisplayName(stepType string) string {
	up := strings.ToUpper(stepType)
	if d, ok := display[up]; ok {
		return d
	}
	if strings.HasPrefix(up, "IFC") && len(up) > 3 {
		return "Ifc" + up[3:4] + strings.ToLower(up[4:])
	}
	return stepType
}

// IsElementType reports whether an upper-case STEP type is extracted as an entity.
func IsElementType(stepType string) bool {
	return isElement[strings.ToUpper(stepType)]
}
