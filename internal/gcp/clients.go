// Package gcp centralizes creation of the Google Cloud clients used by the
// service.
package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
)

// NewFirestoreClient creates a Firestore client for the given project,
// honoring a non-default database when one is configured. An empty project
// falls back to ambient credential detection.
func NewFirestoreClient(ctx context.Context, projectID, databaseID string) (*firestore.Client, error) {
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	if databaseID != "" {
		client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore client for database %s: %w", databaseID, err)
		}
		return client, nil
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}

// NewStorageClient creates a Cloud Storage client.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return client, nil
}

// NewCloudTasksClient creates a Cloud Tasks client.
func NewCloudTasksClient(ctx context.Context) (*cloudtasks.Client, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Tasks client: %w", err)
	}
	return client, nil
}

// NewVisionClient creates a Vision image annotator client.
func NewVisionClient(ctx context.Context) (*vision.ImageAnnotatorClient, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vision client: %w", err)
	}
	return client, nil
}
