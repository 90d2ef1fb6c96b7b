package notify

import (
	"fmt"

	"github.com/stridesense/gait-backend/internal/gait/status"
)

const (
	submissionSubject        = "Gait analysis submission received"
	completeSubject          = "Your gait analysis is ready"
	failedSubject            = "Gait analysis failed"
	personNotDetectedSubject = "Gait analysis failed: no person detected"
)

func submissionBody(jobID string) string {
	return fmt.Sprintf(
		"We received your gait analysis submission (reference %s).\n\n"+
			"Your videos are now being processed through all seven analysis stages. "+
			"You will receive another email as soon as the results are ready.\n",
		jobID,
	)
}

func completeBody(jobID string, score float64, asd bool) string {
	classification := "negative"
	if asd {
		classification = "positive"
	}
	return fmt.Sprintf(
		"Your gait analysis (reference %s) is complete.\n\n"+
			"Classification: %s\n"+
			"Confidence: %.1f%%\n\n"+
			"You can download the full results from your dashboard.\n",
		jobID, classification, score*100,
	)
}

func failedBody(jobID string, failedAtStage int, reason string) string {
	stage := "an unknown stage"
	if name := status.StageName(failedAtStage); name != "" {
		stage = fmt.Sprintf("stage %d (%s)", failedAtStage, name)
	}
	return fmt.Sprintf(
		"Unfortunately your gait analysis (reference %s) could not be completed.\n\n"+
			"The pipeline failed at %s.\n"+
			"Details: %s\n\n"+
			"You can re-run the analysis from your dashboard, or reply to this email for help.\n",
		jobID, stage, reason,
	)
}

func personNotDetectedBody(jobID string) string {
	return fmt.Sprintf(
		"Unfortunately your gait analysis (reference %s) could not be completed "+
			"because no person was detected in one of the uploaded videos.\n\n"+
			"Recording guidelines:\n"+
			"  - Film in a well-lit area with the subject fully in frame.\n"+
			"  - Keep the camera steady and at roughly chest height.\n"+
			"  - The subject should walk directly toward the camera (front view) "+
			"and across the frame (side view).\n"+
			"  - Avoid other people walking through the shot.\n\n"+
			"Please re-record both videos and submit again.\n",
		jobID,
	)
}
