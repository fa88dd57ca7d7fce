package server

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Traffic Congestion Monitor</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: system-ui, sans-serif; background: #10141a; color: #e6e6e6; margin: 0; }
        .app { max-width: 720px; margin: 0 auto; padding: 24px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .badge { padding: 6px 14px; border-radius: 14px; font-weight: 600; background: #444; }
        .badge.LOW { background: #1f8b4c; }
        .badge.MODERATE { background: #c98a12; }
        .badge.HIGH { background: #c0392b; }
        .badge.ERROR, .badge.ERROR_RUNTIME { background: #7d3c98; }
        .grid { display: grid; grid-template-columns: repeat(3, 1fr); gap: 12px; margin-top: 20px; }
        .stat { background: #1b222c; border-radius: 8px; padding: 14px; }
        .stat-label { font-size: 12px; color: #9aa4b2; display: block; }
        .stat-value { font-size: 24px; font-weight: 600; }
        .history { display: flex; gap: 6px; margin-top: 20px; }
        .cell { flex: 1; height: 28px; border-radius: 4px; background: #333; }
        .cell.LOW { background: #1f8b4c; }
        .cell.MODERATE { background: #c98a12; }
        .cell.HIGH { background: #c0392b; }
        .muted { color: #9aa4b2; font-size: 12px; margin-top: 16px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Traffic Congestion</h1>
            <span class="badge" id="congestion">LOADING</span>
        </div>
        <div class="grid">
            <div class="stat"><span class="stat-label">Trend</span><span class="stat-value" id="trend">--</span></div>
            <div class="stat"><span class="stat-label">Vehicles / frame</span><span class="stat-value" id="avg">--</span></div>
            <div class="stat"><span class="stat-label">Updated</span><span class="stat-value" id="updated">--</span></div>
        </div>
        <div class="history" id="history"></div>
        <p class="muted" id="note">Polling /status every 2s</p>
    </div>
    <script>
        const el = (id) => document.getElementById(id);

        function render(s) {
            const badge = el('congestion');
            badge.textContent = s.congestion;
            badge.className = 'badge ' + s.congestion;
            el('trend').textContent = s.trend;
            el('avg').textContent = s.avg_count;
            el('updated').textContent = new Date(s.timestamp).toLocaleTimeString();

            const history = el('history');
            history.innerHTML = '';
            for (const level of s.window_history || []) {
                const cell = document.createElement('div');
                cell.className = 'cell ' + level;
                cell.title = level;
                history.appendChild(cell);
            }
        }

        async function poll() {
            try {
                const res = await fetch('/status', { headers: { Accept: 'application/json' } });
                if (res.ok) {
                    render(await res.json());
                    el('note').textContent = 'Polling /status every 2s';
                }
            } catch (err) {
                el('note').textContent = 'Server unreachable: ' + err;
            }
        }

        poll();
        setInterval(poll, 2000);
    </script>
</body>
</html>
`
