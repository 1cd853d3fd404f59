package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"osf-archiver/goutils/datamodel"
	"osf-archiver/goutils/taskmgr/worker"
)

var (
	enqueueSrc            string
	enqueueDst            string
	enqueueInitiator      string
	enqueueInitiatorEmail string
	enqueueInitiatorName  string
	enqueueCookie         string
	enqueueAddons         string
)

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a registration created task",
		Example: `  archiver enqueue --src abc12 --dst xyz34 --initiator u1 --email user@example.com --addons osfstorage,dropbox`,
		RunE: enqueueRun,
	}

	cmd.Flags().StringVar(&enqueueSrc, "src", "", "source node id")
	cmd.Flags().StringVar(&enqueueDst, "dst", "", "registration (destination node) id")
	cmd.Flags().StringVar(&enqueueInitiator, "initiator", "", "id of the user who initiated the registration")
	cmd.Flags().StringVar(&enqueueInitiatorEmail, "email", "", "email of the initiator")
	cmd.Flags().StringVar(&enqueueInitiatorName, "name", "", "full name of the initiator")
	cmd.Flags().StringVar(&enqueueCookie, "cookie", "", "cookie used to authenticate against WaterButler")
	cmd.Flags().StringVar(&enqueueAddons, "addons", "", "comma-separated list of addons configured on the source node")

	return cmd
}

func enqueueRun(cmd *cobra.Command, args []string) error {
	msg := &datamodel.RegistrationCreatedMessage{
		SrcNodeID:      enqueueSrc,
		DstNodeID:      enqueueDst,
		InitiatorID:    enqueueInitiator,
		InitiatorEmail: enqueueInitiatorEmail,
		InitiatorName:  enqueueInitiatorName,
		Cookie:         enqueueCookie,
	}

	for _, addon := range strings.Split(enqueueAddons, ",") {
		if addon = strings.TrimSpace(addon); addon != "" {
			msg.Addons = append(msg.Addons, addon)
		}
	}

	if err := validator.New().Struct(msg); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	routingKey := settingsObj.Rabbitmq.Setup.Queues.Archiver.RegistrationRoutingKey

	if err = taskMgr.Publish(ctx, worker.TypeArchiverWorker, routingKey, body); err != nil {
		return err
	}

	if err = taskMgr.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("failed to close rabbitmq connection")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "queued archive of %s into %s (%d addons)\n", msg.SrcNodeID, msg.DstNodeID, len(msg.Addons))

	return nil
}
