package main

import (
	"context"
	"fmt"
)

// endSessions runs the overdue sweep once: every active session past
// started_at + scheduled_duration is ended, with the usual fan-out and
// teacher summary email. The API server runs the same sweep on a
// ticker; this command covers downtime and ad hoc cleanups.
func (cli *commandLine) endSessions(dryRun bool) error {
	ctx := context.Background()

	if dryRun {
		sessions, err := cli.attSvc.ListOverdue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d overdue session(s)\n", len(sessions))
		for _, sess := range sessions {
			fmt.Printf("  %d: %s %s (started %s, scheduled %dmin)\n",
				sess.ID, sess.CourseCode, sess.Title, sess.StartedAt.Format("2006-01-02 15:04"), sess.ScheduledDuration)
		}
		return nil
	}

	ended, err := cli.attSvc.EndOverdue(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("ended %d session(s)\n", len(ended))
	for _, sess := range ended {
		fmt.Printf("  %d: %s %s\n", sess.ID, sess.CourseCode, sess.Title)
	}
	return nil
}
