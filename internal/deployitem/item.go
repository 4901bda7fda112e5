// Package deployitem defines the wire shape of a deploy-task subtask's
// opaque content (spec.md §3, §4.5, §4.6): the descriptor the Deploy
// Coordinator serializes into a deploy_task row and the Worker Agent
// deserializes back out when converging.
package deployitem

// Item is one unit of desired state a worker must converge to (spec.md
// §4.5): "{user_id, project_id, deploy_id, task_id, file_name, file_hash,
// download_url, domain}".
type Item struct {
	UserID      int64  `json:"user_id"`
	ProjectID   int64  `json:"project_id"`
	DeployID    int64  `json:"deploy_id"`
	TaskID      string `json:"task_id"`
	FileName    string `json:"file_name"`
	FileHash    string `json:"file_hash"`
	DownloadURL string `json:"download_url"`
	Domain      string `json:"domain"`
}
