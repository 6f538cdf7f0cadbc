package experiment

import (
	"fmt"
)

// Step identifies one stage of the experiment flow.
type Step string

const (
	StepDemographics       Step = "DEMOGRAPHICS"
	StepBaselineMood       Step = "BASELINE_MOOD"
	StepInstructions1      Step = "INSTRUCTIONS_1"
	StepDialogue1          Step = "DIALOGUE_1"
	StepPostQuestionnaire1 Step = "POST_QUESTIONNAIRE_1"
	StepWashout            Step = "WASHOUT"
	StepInstructions2      Step = "INSTRUCTIONS_2"
	StepDialogue2          Step = "DIALOGUE_2"
	StepPostQuestionnaire2 Step = "POST_QUESTIONNAIRE_2"
	StepOpenEndedQs        Step = "OPEN_ENDED_QS"
	StepDebrief            Step = "DEBRIEF"
)

// Steps is the fixed experiment sequence. CurrentStepIndex indexes into it;
// it is the sole progress cursor.
var Steps = []Step{
	StepDemographics,
	StepBaselineMood,
	StepInstructions1,
	StepDialogue1,
	StepPostQuestionnaire1,
	StepWashout,
	StepInstructions2,
	StepDialogue2,
	StepPostQuestionnaire2,
	StepOpenEndedQs,
	StepDebrief,
}

const (
	// ConsentPage is served while the participant is at the pre-start index.
	ConsentPage = "/page/index.html"
	// TerminalPage is served once the participant has finished the sequence.
	TerminalPage = "/page/debrief.html"
)

// pageFn resolves a step to a page path given the participant's current
// condition. Most steps ignore the condition.
type pageFn func(Condition) string

func fixedPage(name string) pageFn {
	return func(Condition) string { return "/page/" + name }
}

func instructionsPage(c Condition) string {
	if c == ConditionXAI {
		return "/page/instructions_xai.html"
	}
	return "/page/instructions_non_xai.html"
}

func dialoguePage(c Condition) string {
	if c == ConditionXAI {
		return "/page/xai_version.html"
	}
	return "/page/non_xai_version.html"
}

// stepPages is the dispatch table that replaces string-keyed branching:
// every step resolves through exactly one entry, and unknown steps are an
// explicit error rather than a silent fallback.
var stepPages = map[Step]pageFn{
	StepDemographics:       fixedPage("demographics.html"),
	StepBaselineMood:       fixedPage("baseline_mood.html"),
	StepInstructions1:      instructionsPage,
	StepDialogue1:          dialoguePage,
	StepPostQuestionnaire1: fixedPage("post_questionnaire.html"),
	StepWashout:            fixedPage("washout.html"),
	StepInstructions2:      instructionsPage,
	StepDialogue2:          dialoguePage,
	StepPostQuestionnaire2: fixedPage("post_questionnaire.html"),
	StepOpenEndedQs:        fixedPage("open_ended_qs.html"),
	StepDebrief:            fixedPage("debrief.html"),
}

// URLForStep resolves a step key and condition to its canonical page path.
func URLForStep(step Step, cond Condition) (string, error) {
	fn, ok := stepPages[step]
	if !ok {
		return "", fmt.Errorf("unknown step %q", step)
	}
	return fn(cond), nil
}

// StepAt returns the step at the given sequence index.
func StepAt(index int) (Step, bool) {
	if index < 0 || index >= len(Steps) {
		return "", false
	}
	return Steps[index], true
}

// IsDialogueStep reports whether the step hosts a chat session.
func (s Step) IsDialogueStep() bool {
	return s == StepDialogue1 || s == StepDialogue2
}
