package fsm

import "github.com/CrisisTextLine/kafka-harness/internal/scenario"

// scenarioOptions builds the scenario.Options for this FSM's test run,
// pointing the suite at the Storage worker's staged in-memory
// filesystem and feature path.
func scenarioOptions(f *fsm) scenario.Options {
	glob := f.deps.FeatureGlob
	if glob == "" {
		glob = f.directive.StagingPath + "/features"
	}
	var glueProvider scenario.GlueProvider
	if f.deps.ResolveGlueProvider != nil {
		glueProvider = f.deps.ResolveGlueProvider(f.directive.GluePackages)
	}
	return scenario.Options{
		TestID:       f.testID,
		FS:           f.storageWorker.FS(),
		FeatureGlob:  glob,
		GlueProvider: glueProvider,
	}
}
