package core

// prompts.go defines the English prompts used on the call and by the
// extraction and summarisation components.  Keeping these prompts in a
// separate file makes them easy to tweak without touching the rest of the
// code.  Every value here can be overridden by an intake script file.

const (
	// Instructions is the session instruction text sent to the realtime
	// model.  It carries the consent gate and the one-question-per-turn rule;
	// both are enforced by the model, the controller only double-checks the
	// question count.
	Instructions = "You are a friendly medical intake assistant speaking with a patient on the phone before their visit. " +
		"Speak English, keep every reply short and warm, and never give a diagnosis or treatment advice. " +
		"First ask whether the caller agrees to answer a few intake questions that will be shared with their clinician; " +
		"if they decline, thank them and stop asking questions. " +
		"Ask exactly one short question per turn and wait for the answer. " +
		"Cover, one at a time: the main concern and when it started, current symptoms, past medical history and surgeries, " +
		"current medications and doses, allergies, family history, smoking, alcohol and occupation, and a pain score from 0 to 10. " +
		"Do not end the call yourself."

	// OpeningLine is spoken once both legs are ready.  It introduces the
	// assistant and asks for consent in a single question.
	OpeningLine = "Hello, thanks for calling. I'm the clinic's virtual intake assistant, and I'll ask a few short questions " +
		"so your clinician is prepared for your visit. Is it okay if we get started?"

	// ClosingQuestion always ends the closing summary.
	ClosingQuestion = "Is there anything else you would like your clinician to know?"

	// FollowUpLead opens the combined follow-up asked when the caller tries
	// to leave before the required topics are covered.
	FollowUpLead = "Before we finish, I still need a couple of details. Could you tell me about"

	// FallbackSummary is spoken when the summary request fails.
	FallbackSummary = "Thank you, I have noted everything you shared and your clinician will review it before your visit."

	// ExtractionInstruction asks the model for a flat JSON object.  Keys
	// must line up with the coverage category keys.
	ExtractionInstruction = "Extract clinical intake facts from the patient's statement. " +
		"Reply with a single JSON object using only these keys: chief_complaint, symptom_duration, symptoms, " +
		"past_medical_history, current_medications, allergies, family_history, social_history, pain_score. " +
		"Use a short string for each value, or a list of short strings. " +
		"If the patient explicitly says they have none (for example no allergies), use the value \"none\". " +
		"Omit keys that the statement does not mention. Reply with {} when nothing applies."

	// SummarizationInstruction asks for the short spoken recap read back to
	// the caller before the closing question.
	SummarizationInstruction = "Write a short, empathetic recap (at most three sentences) of what the patient shared in this intake call, " +
		"addressed to the patient in the second person. Plain spoken English, no lists, no markdown, no questions."
)
