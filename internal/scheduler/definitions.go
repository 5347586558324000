package scheduler

import "github.com/onefuzz-core/orchestrator/internal/domain"

// taskDefinitions mirrors the original OneFuzz TASK_DEFINITIONS registry
// (onefuzzlib/tasks/defs.py), collapsed onto this module's 9-value
// TaskFeature vocabulary. Each task type declares exactly the fields the
// scheduler should render into its TaskUnitConfig.
var taskDefinitions = map[string]domain.TaskDefinition{
	"libfuzzer_fuzz": {
		Type: "libfuzzer_fuzz",
		Features: []domain.TaskFeature{
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureTargetEnv,
			domain.FeatureSupervisor,
			domain.FeatureStatsFile,
			domain.FeatureRebootAfterSetup,
		},
	},
	"libfuzzer_crash_report": {
		Type: "libfuzzer_crash_report",
		Features: []domain.TaskFeature{
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureTargetEnv,
			domain.FeatureInputQueue,
			domain.FeatureCheckRetryCount,
		},
	},
	"libfuzzer_coverage": {
		Type: "libfuzzer_coverage",
		Features: []domain.TaskFeature{
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureTargetEnv,
		},
	},
	"generic_analysis": {
		Type: "generic_analysis",
		Features: []domain.TaskFeature{
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureInputQueue,
		},
	},
	"generic_generator": {
		Type: "generic_generator",
		Features: []domain.TaskFeature{
			domain.FeatureGeneratorExe,
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureRebootAfterSetup,
		},
	},
	"generic_supervisor": {
		Type: "generic_supervisor",
		Features: []domain.TaskFeature{
			domain.FeatureSupervisor,
			domain.FeatureTargetOptions,
			domain.FeatureInputQueue,
			domain.FeatureStatsFile,
		},
	},
	"generic_crash_report": {
		Type: "generic_crash_report",
		Features: []domain.TaskFeature{
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureInputQueue,
			domain.FeatureCheckRetryCount,
		},
	},
	"generic_repro": {
		Type: "generic_repro",
		Features: []domain.TaskFeature{
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureTargetEnv,
		},
	},
	"coverage": {
		Type: "coverage",
		Features: []domain.TaskFeature{
			domain.FeatureTargetExe,
			domain.FeatureTargetOptions,
			domain.FeatureInputQueue,
			domain.FeatureStatsFile,
		},
	},
}

// genericDefinition is used for any task type not listed above: resolve
// the common fields and nothing else, rather than reject the task.
var genericDefinition = domain.TaskDefinition{
	Features: []domain.TaskFeature{
		domain.FeatureTargetExe,
		domain.FeatureTargetOptions,
		domain.FeatureTargetEnv,
	},
}

// DefinitionFor resolves a task type's declared feature set.
func DefinitionFor(taskType string) domain.TaskDefinition {
	if d, ok := taskDefinitions[taskType]; ok {
		return d
	}
	d := genericDefinition
	d.Type = taskType
	return d
}
